package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr                  string `yaml:"addr"`
	ReadTimeoutSeconds    int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `yaml:"write_timeout_seconds"`
	ShutdownGraceSeconds  int    `yaml:"shutdown_grace_seconds"`
	CleanupIntervalMins   int    `yaml:"cleanup_interval_minutes"`
	EnrichConcurrency     int    `yaml:"enrich_concurrency"`
	PerSymbolCostEstimate int    `yaml:"per_symbol_cost_estimate"`
}

type Provider struct {
	Enabled            bool   `yaml:"enabled"`
	PerMinute          int    `yaml:"per_minute"` // 0 = unbounded
	PerHour            int    `yaml:"per_hour"`
	PerDay             int    `yaml:"per_day"`
	SpacingMs          int    `yaml:"spacing_ms"`
	CacheTTLHours      int    `yaml:"cache_ttl_hours"`
	CachePath          string `yaml:"cache_path"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

type Fallback struct {
	EnableCacheFallback bool `yaml:"enable_cache_fallback"`
	MaxRetries          int  `yaml:"max_retries"`
	RetryDelayMs        int  `yaml:"retry_delay_ms"`
	CallTimeoutSeconds  int  `yaml:"call_timeout_seconds"`
	StaleAfterHours     int  `yaml:"stale_after_hours"`
}

type Broker struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Symbols struct {
	Denied []string `yaml:"denied"`
}

type Root struct {
	Server   Server   `yaml:"server"`
	Broker   Broker   `yaml:"broker"`
	FMP      Provider `yaml:"fmp"`
	AV       Provider `yaml:"alphavantage"`
	Fallback Fallback `yaml:"fallback"`
	Symbols  Symbols  `yaml:"symbols"`

	// Secrets come from the environment, never from the file.
	BrokerAPIKey string `yaml:"-"`
	FMPAPIKey    string `yaml:"-"`
	AVAPIKey     string `yaml:"-"`
}

// Load reads the YAML config at path, applies defaults, and pulls API
// credentials from the environment. A missing credential is a startup error
// so it cannot surface later as a mystery 401 deep inside a queue.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)

	if err := loadSecrets(&c, os.Getenv); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 120
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 10
	}
	if c.Server.CleanupIntervalMins == 0 {
		c.Server.CleanupIntervalMins = 60
	}
	if c.Server.EnrichConcurrency == 0 {
		c.Server.EnrichConcurrency = 4
	}
	if c.Server.PerSymbolCostEstimate == 0 {
		c.Server.PerSymbolCostEstimate = 1
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://live.trading212.com"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 15
	}

	// FMP free tier: 250 calls/day, no published per-minute cap worth
	// tracking below the courtesy limiter.
	if c.FMP.PerDay == 0 {
		c.FMP.PerDay = 250
	}
	if c.FMP.SpacingMs == 0 {
		c.FMP.SpacingMs = 500
	}
	if c.FMP.CacheTTLHours == 0 {
		c.FMP.CacheTTLHours = 24
	}
	if c.FMP.CachePath == "" {
		c.FMP.CachePath = "data/fundamentals_fmp.json"
	}
	if c.FMP.RateLimitPerMinute == 0 {
		c.FMP.RateLimitPerMinute = 10
	}
	if c.FMP.TimeoutSeconds == 0 {
		c.FMP.TimeoutSeconds = 10
	}

	// Alpha Vantage free tier: 5/minute, 25/day.
	if c.AV.PerMinute == 0 {
		c.AV.PerMinute = 5
	}
	if c.AV.PerDay == 0 {
		c.AV.PerDay = 25
	}
	if c.AV.SpacingMs == 0 {
		c.AV.SpacingMs = 12000
	}
	if c.AV.CacheTTLHours == 0 {
		c.AV.CacheTTLHours = 168 // data changes rarely; stretch the scarce quota
	}
	if c.AV.CachePath == "" {
		c.AV.CachePath = "data/fundamentals_av.json"
	}
	if c.AV.RateLimitPerMinute == 0 {
		c.AV.RateLimitPerMinute = 5
	}
	if c.AV.TimeoutSeconds == 0 {
		c.AV.TimeoutSeconds = 10
	}

	if c.Fallback.MaxRetries == 0 {
		c.Fallback.MaxRetries = 2
	}
	if c.Fallback.RetryDelayMs == 0 {
		c.Fallback.RetryDelayMs = 1000
	}
	if c.Fallback.CallTimeoutSeconds == 0 {
		c.Fallback.CallTimeoutSeconds = 10
	}
	if c.Fallback.StaleAfterHours == 0 {
		c.Fallback.StaleAfterHours = 24
	}
}

func loadSecrets(c *Root, getenv func(string) string) error {
	var missing []string
	if c.BrokerAPIKey = getenv("BROKER_API_KEY"); c.BrokerAPIKey == "" {
		missing = append(missing, "BROKER_API_KEY")
	}
	if c.FMPAPIKey = getenv("FMP_API_KEY"); c.FMPAPIKey == "" {
		missing = append(missing, "FMP_API_KEY")
	}
	// The secondary provider is optional; without its key the fallback chain
	// simply runs primary -> cache.
	c.AVAPIKey = getenv("ALPHAVANTAGE_API_KEY")

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}
