package config

import "time"

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8089"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/tradevane.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "tradevane"
	}

	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 60
	}
	if c.AI.ValidationRetries <= 0 {
		c.AI.ValidationRetries = 2
	}
	if c.AI.BreakerFailureThreshold <= 0 {
		c.AI.BreakerFailureThreshold = 5
	}
	if c.AI.BreakerCooldownSeconds <= 0 {
		c.AI.BreakerCooldownSeconds = 60
	}

	if c.MarketData.TimeoutSeconds <= 0 {
		c.MarketData.TimeoutSeconds = 15
	}

	if len(c.Analysis.Instruments) == 0 {
		c.Analysis.Instruments = []string{"NQ1", "ES1", "YM1", "RTY1", "GC1", "CL1"}
	}
	if c.Analysis.SecurityTTL <= 0 {
		c.Analysis.SecurityTTL = 24 * time.Hour
	}
	if c.Analysis.MacroTTL <= 0 {
		c.Analysis.MacroTTL = 12 * time.Hour
	}
	if c.Analysis.FluxTTL <= 0 {
		c.Analysis.FluxTTL = 15 * time.Minute
	}
	if c.Analysis.Mag7TTL <= 0 {
		c.Analysis.Mag7TTL = time.Hour
	}
	if c.Analysis.TechnicalTTL <= 0 {
		c.Analysis.TechnicalTTL = 30 * time.Minute
	}
	if c.Analysis.SynthesisTTL <= 0 {
		c.Analysis.SynthesisTTL = 24 * time.Hour
	}
	if c.Analysis.DegradedPenalty <= 0 {
		c.Analysis.DegradedPenalty = 15
	}
	if c.Analysis.FallbackPenalty <= 0 {
		c.Analysis.FallbackPenalty = 25
	}

	if c.RateLimit.Global.PerSecond <= 0 {
		c.RateLimit.Global.PerSecond = 5
	}
	if c.RateLimit.Global.PerMinute <= 0 {
		c.RateLimit.Global.PerMinute = 60
	}
	if c.RateLimit.Global.PerHour <= 0 {
		c.RateLimit.Global.PerHour = 600
	}
	if c.RateLimit.Global.PerDay <= 0 {
		c.RateLimit.Global.PerDay = 5000
	}
	if c.RateLimit.Global.TokensPerMinute <= 0 {
		c.RateLimit.Global.TokensPerMinute = 90000
	}
	if c.RateLimit.Global.TokensPerDay <= 0 {
		c.RateLimit.Global.TokensPerDay = 2000000
	}
	if c.RateLimit.PerUser.PerMinute <= 0 {
		c.RateLimit.PerUser.PerMinute = 10
	}
	if c.RateLimit.PerUser.PerHour <= 0 {
		c.RateLimit.PerUser.PerHour = 60
	}
	if c.RateLimit.PerUser.PerDay <= 0 {
		c.RateLimit.PerUser.PerDay = 200
	}
	if c.RateLimit.MaxWaitSeconds <= 0 {
		c.RateLimit.MaxWaitSeconds = 10
	}

	if c.Brokers.MaxAuthFailures <= 0 {
		c.Brokers.MaxAuthFailures = 3
	}
	if c.Brokers.TimeoutSeconds <= 0 {
		c.Brokers.TimeoutSeconds = 30
	}
	if c.Brokers.FetchRetries <= 0 {
		c.Brokers.FetchRetries = 3
	}
	applyBrokerDefaults(&c.Brokers.Tradovate, "15m")
	applyBrokerDefaults(&c.Brokers.TradeStation, "15m")
	applyBrokerDefaults(&c.Brokers.Tradier, "30m")

	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = "5m"
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		c.Scheduler.MaxConcurrency = 4
	}

	if c.Monitor.HealthyRate <= 0 {
		c.Monitor.HealthyRate = 0.95
	}
	if c.Monitor.DegradedRate <= 0 {
		c.Monitor.DegradedRate = 0.80
	}
}

func applyBrokerDefaults(b *BrokerConfig, interval string) {
	if b.SyncInterval == "" {
		b.SyncInterval = interval
	}
}
