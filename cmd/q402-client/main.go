// q402-client sends one agent action to a q402 gateway, paying the
// challenge with a local key when the action is paid.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
	"github.com/siddimore/q402-agent-gate/pkg/q402/client"
	"github.com/siddimore/q402-agent-gate/pkg/units"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "q402-client: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("q402-client", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		endpoint = flags.String("url", "http://localhost:8402/api/agent", "gated agent endpoint")
		action   = flags.String("action", "generate", "action to run: generate, audit or deploy")
		prompt   = flags.String("prompt", "", "prompt for generate")
		codeFile = flags.String("code-file", "", "Solidity source file for audit and deploy")
		network  = flags.String("network", "", "network id or alias, e.g. testnet")
		chainID  = flags.Int64("chain-id", 97, "chain the local wallet starts on")
		yes      = flags.BoolP("yes", "y", false, "sign payment challenges without asking")
		timeout  = flags.Duration("timeout", 3*time.Minute, "overall request timeout")
		verbose  = flags.BoolP("verbose", "v", false, "log retry state transitions")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}

	key := strings.TrimSpace(os.Getenv("PRIVATE_KEY"))
	if key == "" {
		return errors.New("PRIVATE_KEY is not set")
	}
	registry := q402.NewNetworkRegistry(q402.DefaultNetworks()...)
	var chains []int64
	for _, n := range registry.List() {
		chains = append(chains, n.ChainID)
	}
	signer, err := client.ParseKeySigner(key, *chainID, chains...)
	if err != nil {
		return err
	}
	signer.Approve = approver(stdin, stderr, *yes)

	payload := map[string]interface{}{}
	if *prompt != "" {
		payload["prompt"] = *prompt
	}
	if *codeFile != "" {
		src, err := os.ReadFile(*codeFile)
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		payload["code"] = string(src)
	}
	if *network != "" {
		payload["network"] = *network
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	c := client.New(*endpoint, signer,
		client.WithNetworks(registry),
		client.WithLogger(logger),
		client.WithStateHook(func(s client.State) { logger.Debug("state", "state", string(s)) }),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := c.Do(ctx, *action, payload)
	if err != nil {
		return err
	}
	if res.Paid {
		fmt.Fprintf(stderr, "paid, settlement %s\n", res.Settlement())
	}
	fmt.Fprintf(stdout, "%s\n", strings.TrimSpace(string(res.Body)))
	if res.StatusCode >= 400 {
		return fmt.Errorf("gateway answered %d", res.StatusCode)
	}
	return nil
}

// approver asks on out before each signature unless yes is set
func approver(in io.Reader, out io.Writer, yes bool) func(*q402.Witness) bool {
	if yes {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(w *q402.Witness) bool {
		amount := w.Message.Amount
		if wei, err := units.ParseWei(amount); err == nil {
			amount = units.FormatEther(wei, 6)
		}
		fmt.Fprintf(out, "Sign payment of %s on chain %d to %s? [y/N] ", amount, w.Domain.ChainID, w.Message.To)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
