package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
)

// ContractName is the contract every generated source must declare
const ContractName = "GenContract"

// Deployment is the outcome of a contract deployment
type Deployment struct {
	Address string `json:"address"`
	Logs    string `json:"logs"`
}

// Deployer deploys Solidity source to a network
type Deployer interface {
	Deploy(ctx context.Context, network q402.Network, code string) (*Deployment, error)
}

// CommandRunner runs a command in dir and returns its stdout
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// HardhatDeployer writes the contract into a hardhat project and runs its
// deploy script. Deploys are serialized since they share one source file.
type HardhatDeployer struct {
	ProjectDir string
	Script     string
	Run        CommandRunner

	mu sync.Mutex
}

// NewHardhatDeployer creates a deployer for the project in dir
func NewHardhatDeployer(dir, script string) *HardhatDeployer {
	if script == "" {
		script = "scripts/deploy.cjs"
	}
	return &HardhatDeployer{ProjectDir: dir, Script: script, Run: execRunner}
}

var deployedTo = regexp.MustCompile(`deployed to: (0x[a-fA-F0-9]{40})`)

// ErrAddressNotFound means the deploy script ran but printed no address
var ErrAddressNotFound = errors.New("deployed address not found in hardhat output")

func (d *HardhatDeployer) Deploy(ctx context.Context, network q402.Network, code string) (*Deployment, error) {
	if network.Flag == "" {
		return nil, fmt.Errorf("network %s has no deploy target", network.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	contracts := filepath.Join(d.ProjectDir, "contracts")
	if err := os.MkdirAll(contracts, 0o755); err != nil {
		return nil, fmt.Errorf("create contracts dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(contracts, ContractName+".sol"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write contract: %w", err)
	}

	run := d.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, d.ProjectDir, "npx", "hardhat", "run", d.Script, "--network", network.Flag)
	if err != nil {
		return nil, fmt.Errorf("hardhat run: %w", err)
	}

	dep := &Deployment{Logs: string(out)}
	m := deployedTo.FindStringSubmatch(dep.Logs)
	if m == nil {
		return dep, ErrAddressNotFound
	}
	dep.Address = m[1]
	return dep, nil
}

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, lastLine(exitErr.Stderr))
		}
		return out, err
	}
	return out, nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
