// Package config loads gateway configuration from a YAML file with
// environment overrides for deployment-specific values and secrets.
//
// The file path comes from the --config flag or Q402_CONFIG. Without a
// file the defaults describe a testnet gateway. Secrets (facilitator key,
// code service API key) are never read from the YAML file itself.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siddimore/q402-agent-gate/pkg/q402"
	"github.com/siddimore/q402-agent-gate/pkg/units"
)

// Config is the gateway configuration
type Config struct {
	// ListenAddr is the HTTP listen address. Env: Q402_LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`

	// Backend, when set, makes the gateway a reverse proxy in front of it
	// instead of serving the built-in agent actions. Env: Q402_BACKEND_URL.
	Backend string `yaml:"backend"`

	// LogLevel is one of debug, info, warn, error. Env: Q402_LOG_LEVEL.
	LogLevel string `yaml:"log_level"`

	// DefaultNetwork is used when a request names none
	DefaultNetwork string `yaml:"default_network"`

	// Networks replaces the built-in BNB Smart Chain networks when set
	Networks []q402.Network `yaml:"networks"`

	Policy      PolicyConfig      `yaml:"policy"`
	Payment     PaymentConfig     `yaml:"payment"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Replay      ReplayConfig      `yaml:"replay"`
	Metering    MeteringConfig    `yaml:"metering"`
	Agent       AgentConfig       `yaml:"agent"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// PolicyConfig configures the policy engine
type PolicyConfig struct {
	DenyList             []string `yaml:"deny_list"`
	ChainSpendingActions []string `yaml:"chain_spending_actions"`
	GasLimit             uint64   `yaml:"gas_limit"`

	// SpendCap is in native units, e.g. "0.05"
	SpendCap string `yaml:"spend_cap"`

	// FailOpenOnOracleError lets chain-spending actions through when the
	// gas price cannot be read. Each occurrence is logged.
	FailOpenOnOracleError bool `yaml:"fail_open_on_oracle_error"`

	OracleTimeout time.Duration `yaml:"oracle_timeout"`
}

// PaymentConfig configures witness issuance
type PaymentConfig struct {
	// Prices maps paid actions to a price in native units, e.g. "0.001"
	Prices map[string]string `yaml:"prices"`

	VerifyingContract string        `yaml:"verifying_contract"`
	Token             string        `yaml:"token"`
	WitnessTTL        time.Duration `yaml:"witness_ttl"`

	// SettlementCap is the per-settlement ceiling in native units
	SettlementCap string `yaml:"settlement_cap"`
}

// FacilitatorConfig locates the facilitator key
type FacilitatorConfig struct {
	// KeyFile holds a hex private key. PRIVATE_KEY takes precedence.
	KeyFile string `yaml:"key_file"`

	key string
}

// ReplayConfig selects the replay guard backend
type ReplayConfig struct {
	// Backend is memory, redis or none
	Backend string `yaml:"backend"`

	// RedisAddr is host:port. Env: Q402_REDIS_ADDR.
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	KeyPrefix  string `yaml:"key_prefix"`
	MaxEntries int    `yaml:"max_entries"`
}

// MeteringConfig configures the settlement metering store
type MeteringConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// AgentConfig configures the built-in agent actions
type AgentConfig struct {
	ChainGPTURL string        `yaml:"chaingpt_url"`
	Timeout     time.Duration `yaml:"timeout"`

	// ProjectDir is the hardhat project used for deploys
	ProjectDir   string `yaml:"project_dir"`
	DeployScript string `yaml:"deploy_script"`

	apiKey string
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Default returns a testnet configuration
func Default() *Config {
	return &Config{
		ListenAddr:     ":8402",
		LogLevel:       "info",
		DefaultNetwork: string(q402.NetworkBSCTestnet),
		Policy: PolicyConfig{
			DenyList:              []string{"0xdead00000000000000000000000000000000beef"},
			ChainSpendingActions:  []string{"deploy"},
			GasLimit:              3_000_000,
			SpendCap:              "0.05",
			FailOpenOnOracleError: true,
			OracleTimeout:         5 * time.Second,
		},
		Payment: PaymentConfig{
			Prices: map[string]string{
				"audit":  "0.001",
				"deploy": "0.01",
			},
			Token:         q402.NativeToken,
			WitnessTTL:    q402.DefaultWitnessTTL,
			SettlementCap: "0.1",
		},
		Replay: ReplayConfig{
			Backend:    "memory",
			KeyPrefix:  "q402:spent:",
			MaxEntries: q402.DefaultReplayEntries,
		},
		Metering: MeteringConfig{
			MaxEntries: 100000,
		},
		Agent: AgentConfig{
			ChainGPTURL:  "https://api.chaingpt.org/chat/stream",
			Timeout:      2 * time.Minute,
			ProjectDir:   ".",
			DeployScript: "scripts/deploy.cjs",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "q402-gateway",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// a configured price list replaces the defaults rather than merging
		defaults := cfg.Payment.Prices
		cfg.Payment.Prices = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Payment.Prices == nil {
			cfg.Payment.Prices = defaults
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("Q402_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("Q402_BACKEND_URL"); v != "" {
		c.Backend = v
	}
	if v := getenv("Q402_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("Q402_REDIS_ADDR"); v != "" {
		c.Replay.RedisAddr = v
		if c.Replay.Backend == "memory" {
			c.Replay.Backend = "redis"
		}
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	c.Facilitator.key = strings.TrimSpace(getenv("PRIVATE_KEY"))
	c.Agent.apiKey = strings.TrimSpace(getenv("CHAINGPT_API_KEY"))
}

// Validate checks that amounts parse and enumerations are known
func (c *Config) Validate() error {
	var errs []error
	if _, err := units.ParseEther(c.Policy.SpendCap); err != nil {
		errs = append(errs, fmt.Errorf("policy.spend_cap: %w", err))
	}
	if _, err := units.ParseEther(c.Payment.SettlementCap); err != nil {
		errs = append(errs, fmt.Errorf("payment.settlement_cap: %w", err))
	}
	if _, err := c.Prices(); err != nil {
		errs = append(errs, err)
	}
	switch c.Replay.Backend {
	case "memory", "none":
	case "redis":
		if c.Replay.RedisAddr == "" {
			errs = append(errs, errors.New("replay.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("replay.backend: unknown backend %q", c.Replay.Backend))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	for i, n := range c.Networks {
		if n.ID == "" || n.ChainID <= 0 {
			errs = append(errs, fmt.Errorf("networks[%d]: id and chain_id are required", i))
		}
	}
	return errors.Join(errs...)
}

// NetworkList returns the configured networks, or the defaults
func (c *Config) NetworkList() []q402.Network {
	if len(c.Networks) > 0 {
		return c.Networks
	}
	return q402.DefaultNetworks()
}

// Prices returns the paid action prices in wei
func (c *Config) Prices() (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(c.Payment.Prices))
	for action, price := range c.Payment.Prices {
		wei, err := units.ParseEther(price)
		if err != nil {
			return nil, fmt.Errorf("payment.prices.%s: %w", action, err)
		}
		out[action] = wei
	}
	return out, nil
}

// SpendCapWei returns the policy spend cap in wei
func (c *Config) SpendCapWei() *big.Int {
	return units.MustParseEther(c.Policy.SpendCap)
}

// SettlementCapWei returns the settlement ceiling in wei
func (c *Config) SettlementCapWei() *big.Int {
	return units.MustParseEther(c.Payment.SettlementCap)
}

// FacilitatorKey returns the facilitator private key from PRIVATE_KEY or
// facilitator.key_file.
func (c *Config) FacilitatorKey() (string, error) {
	if c.Facilitator.key != "" {
		return c.Facilitator.key, nil
	}
	if c.Facilitator.KeyFile == "" {
		return "", errors.New("facilitator key not configured: set PRIVATE_KEY or facilitator.key_file")
	}
	data, err := os.ReadFile(c.Facilitator.KeyFile)
	if err != nil {
		return "", fmt.Errorf("read facilitator key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ChainGPTAPIKey returns CHAINGPT_API_KEY
func (c *Config) ChainGPTAPIKey() string { return c.Agent.apiKey }
