package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rampd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabaseDSN   string          `yaml:"database"`
	Networks      NetworksConfig  `yaml:"networks"`
	Treasury      TreasuryConfig  `yaml:"treasury"`
	Provider      ProviderConfig  `yaml:"provider"`
	Alerts        AlertsConfig    `yaml:"alerts"`
	Processor     ProcessorConfig `yaml:"processor"`
	Workers       WorkersConfig   `yaml:"workers"`
	Admin         AdminConfig     `yaml:"admin"`
}

// NetworksConfig lists the RPC endpoints per supported network.
type NetworksConfig struct {
	Stellar  NetworkEndpoint `yaml:"stellar"`
	Pendulum NetworkEndpoint `yaml:"pendulum"`
	Moonbeam NetworkEndpoint `yaml:"moonbeam"`
}

// NetworkEndpoint identifies a single chain RPC endpoint.
type NetworkEndpoint struct {
	Endpoint string `yaml:"endpoint"`
}

// TreasuryConfig identifies the shared funding accounts used for subsidies
// and cleanup sweeps.
type TreasuryConfig struct {
	PendulumAddress string `yaml:"pendulum_address"`
	StellarAddress  string `yaml:"stellar_address"`
	MoonbeamAddress string `yaml:"moonbeam_address"`
	// SignerURL points at the signing sidecar that holds the treasury keys.
	// Left empty, phases that need a server-side transfer fail unrecoverably.
	SignerURL string `yaml:"signer_url"`
	// LowBalanceFloor triggers a cooled-down alert when the pendulum treasury
	// balance drops below it (raw units).
	LowBalanceFloor string `yaml:"low_balance_floor"`
}

// ProviderConfig configures the fiat payment provider client.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AlertsConfig configures the operational notification channel.
type AlertsConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Cooldown   Duration `yaml:"cooldown"`
}

// ProcessorConfig tunes the phase processor retry budget.
type ProcessorConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// WorkersConfig tunes the background sweep cadences.
type WorkersConfig struct {
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Unhandled UnhandledConfig `yaml:"unhandled"`
}

// RecoveryConfig tunes the stalled-ramp recovery sweep.
type RecoveryConfig struct {
	Interval  Duration `yaml:"interval"`
	Staleness Duration `yaml:"staleness"`
}

// CleanupConfig tunes the post-completion cleanup sweep.
type CleanupConfig struct {
	Interval Duration `yaml:"interval"`
}

// UnhandledConfig tunes the unhandled-payment reconciliation sweep.
type UnhandledConfig struct {
	Interval    Duration `yaml:"interval"`
	GracePeriod Duration `yaml:"grace_period"`
	MaxAge      Duration `yaml:"max_age"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken       string  `yaml:"bearer_token"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
}

// Load reads and validates the YAML configuration at path, applying defaults
// for optional knobs.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8090"
	}
	if c.Processor.MaxRetries <= 0 {
		c.Processor.MaxRetries = 8
	}
	if c.Workers.Recovery.Interval.Duration <= 0 {
		c.Workers.Recovery.Interval.Duration = 5 * time.Minute
	}
	if c.Workers.Recovery.Staleness.Duration <= 0 {
		c.Workers.Recovery.Staleness.Duration = 10 * time.Minute
	}
	if c.Workers.Cleanup.Interval.Duration <= 0 {
		c.Workers.Cleanup.Interval.Duration = time.Minute
	}
	if c.Workers.Unhandled.Interval.Duration <= 0 {
		c.Workers.Unhandled.Interval.Duration = 10 * time.Minute
	}
	if c.Workers.Unhandled.GracePeriod.Duration <= 0 {
		c.Workers.Unhandled.GracePeriod.Duration = 30 * time.Minute
	}
	if c.Workers.Unhandled.MaxAge.Duration <= 0 {
		c.Workers.Unhandled.MaxAge.Duration = 5 * 24 * time.Hour
	}
	if c.Alerts.Cooldown.Duration <= 0 {
		c.Alerts.Cooldown.Duration = 24 * time.Hour
	}
	if c.Admin.RequestsPerMinute <= 0 {
		c.Admin.RequestsPerMinute = 60
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: database DSN required")
	}
	for _, endpoint := range []struct {
		name  string
		value string
	}{
		{"stellar", c.Networks.Stellar.Endpoint},
		{"pendulum", c.Networks.Pendulum.Endpoint},
		{"moonbeam", c.Networks.Moonbeam.Endpoint},
	} {
		if strings.TrimSpace(endpoint.value) == "" {
			return fmt.Errorf("config: %s endpoint required", endpoint.name)
		}
	}
	return nil
}
