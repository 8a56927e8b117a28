// Package config loads the engine configuration from an optional YAML file
// with environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "48h" or "30s" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

type FeeTier struct {
	// UpTo is the inclusive upper bound of the tier in rupees; 0 means no bound.
	UpTo int64 `yaml:"up_to"`
	Bps  int64 `yaml:"bps"`
}

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`

	LedgerBaseURL   string `yaml:"ledger_base_url"`
	GatewayBaseURL  string `yaml:"gateway_base_url"`
	GatewaySecret   string `yaml:"gateway_secret"`
	ShipmentBaseURL string `yaml:"shipment_base_url"`

	// Fee tiers are evaluated in order; the first tier whose bound covers the
	// total applies. The trailing unbounded tier must be last.
	FeeTiers []FeeTier `yaml:"fee_tiers"`

	AutoReleaseWindow Duration `yaml:"auto_release_window"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	ExternalTimeout   Duration `yaml:"external_timeout"`
}

func defaults() Config {
	return Config{
		Port:            "8080",
		LedgerBaseURL:   "http://localhost:8091/ledger",
		GatewayBaseURL:  "http://localhost:8092/gateway",
		ShipmentBaseURL: "http://localhost:8093/shipments",
		FeeTiers: []FeeTier{
			{UpTo: 10_000, Bps: 500},
			{UpTo: 100_000, Bps: 250},
			{UpTo: 0, Bps: 250},
		},
		AutoReleaseWindow: Duration(7 * 24 * time.Hour),
		SweepInterval:     Duration(time.Minute),
		ExternalTimeout:   Duration(15 * time.Second),
	}
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("wasteex.yaml: %w", err)
		}
	}
	if v := os.Getenv("SERVICE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LEDGER_BASE_URL"); v != "" {
		cfg.LedgerBaseURL = v
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.GatewayBaseURL = v
	}
	if v := os.Getenv("GATEWAY_SECRET"); v != "" {
		cfg.GatewaySecret = v
	}
	if v := os.Getenv("SHIPMENT_BASE_URL"); v != "" {
		cfg.ShipmentBaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("wasteex.yaml: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if len(c.FeeTiers) == 0 {
		return fmt.Errorf("at least one fee tier is required")
	}
	last := c.FeeTiers[len(c.FeeTiers)-1]
	if last.UpTo != 0 {
		return fmt.Errorf("last fee tier must be unbounded (up_to: 0)")
	}
	var prev int64
	for i, t := range c.FeeTiers[:len(c.FeeTiers)-1] {
		if t.UpTo <= prev {
			return fmt.Errorf("fee tier %d bound %d is not increasing", i, t.UpTo)
		}
		prev = t.UpTo
	}
	for i, t := range c.FeeTiers {
		if t.Bps < 0 || t.Bps > 10_000 {
			return fmt.Errorf("fee tier %d bps %d out of range", i, t.Bps)
		}
	}
	if c.AutoReleaseWindow <= 0 {
		return fmt.Errorf("auto_release_window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
