package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// MarketDataConfig is the operational configuration for every external
// market-data vendor a run's ResilientProvider may wrap: rate limits,
// circuit-breaker thresholds, and cache TTLs. Adapted from the teacher's
// provider-operations config block (internal/config/providers.go),
// generalized from its exchange-vendor names to backtest data-vendor
// names but keeping the same per-vendor shape.
type MarketDataConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Budget    BudgetConfig              `yaml:"budget"`
	Global    GlobalConfig              `yaml:"global"`
}

// ProviderConfig is one market-data vendor's connection parameters.
type ProviderConfig struct {
	Host        string        `yaml:"host"`
	RPS         int           `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	DailyBudget int           `yaml:"daily_budget"`
	TTLSecs     int           `yaml:"ttl_secs"`
	BackoffMS   BackoffConfig `yaml:"backoff_ms"`
	Circuit     CircuitConfig `yaml:"circuit"`
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
}

// BackoffConfig is exponential-backoff tuning for a vendor's retry policy.
type BackoffConfig struct {
	Base   int  `yaml:"base"`
	Max    int  `yaml:"max"`
	Jitter bool `yaml:"jitter"`
}

// CircuitConfig mirrors the parameters gobreaker.Settings needs.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutMS        int `yaml:"timeout_ms"`
}

// BudgetConfig bounds daily request volume against a vendor.
type BudgetConfig struct {
	WarnThreshold float64 `yaml:"warn_threshold"`
	ResetHour     int     `yaml:"reset_hour"`
}

// GlobalConfig holds settings shared across every configured vendor.
type GlobalConfig struct {
	MaxConcurrentPerHost int    `yaml:"max_concurrent_per_host"`
	UserAgent            string `yaml:"user_agent"`
}

// LoadMarketDataConfig loads and validates a MarketDataConfig from configPath.
func LoadMarketDataConfig(configPath string) (*MarketDataConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data config: %w", err)
	}

	var cfg MarketDataConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse market data config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market data config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *MarketDataConfig) Validate() error {
	if c.Global.MaxConcurrentPerHost <= 0 {
		return fmt.Errorf("global max_concurrent_per_host must be positive, got %d", c.Global.MaxConcurrentPerHost)
	}
	if c.Global.UserAgent == "" {
		return fmt.Errorf("global user_agent cannot be empty")
	}
	for name, provider := range c.Providers {
		if err := provider.Validate(name); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}

// Validate ensures a single vendor's configuration is well-formed.
func (p *ProviderConfig) Validate(name string) error {
	if p.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if p.RPS <= 0 {
		return fmt.Errorf("rps must be positive, got %d", p.RPS)
	}
	if p.Burst < p.RPS {
		return fmt.Errorf("burst (%d) must be >= rps (%d)", p.Burst, p.RPS)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if err := p.Circuit.Validate(); err != nil {
		return fmt.Errorf("circuit: %w", err)
	}
	return nil
}

// Validate ensures circuit breaker thresholds are sane.
func (c *CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS)
	}
	return nil
}

// CacheTTL returns the vendor's cache TTL as a time.Duration.
func (p *ProviderConfig) CacheTTL() time.Duration {
	return time.Duration(p.TTLSecs) * time.Second
}

// GetProvider returns the named vendor's configuration.
func (c *MarketDataConfig) GetProvider(name string) (*ProviderConfig, bool) {
	cfg, exists := c.Providers[name]
	return &cfg, exists
}
