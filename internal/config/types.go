package config

import "time"

// Config is the top-level configuration carrier for tradevane.
type Config struct {
	App        AppConfig        `toml:"app"`
	Store      StoreConfig      `toml:"store"`
	Redis      RedisConfig      `toml:"redis"`
	AI         AIConfig         `toml:"ai"`
	MarketData MarketDataConfig `toml:"market_data"`
	Analysis   AnalysisConfig   `toml:"analysis"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Brokers    BrokersConfig    `toml:"brokers"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Monitor    MonitorConfig    `toml:"monitor"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	// Hex-encoded 32-byte key for broker credential encryption at rest.
	CredentialKey string `toml:"credential_key"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// AIModelConfig is one LLM backend entry. Order in the list is failover order.
type AIModelConfig struct {
	ID      string            `toml:"id"`
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Model   string            `toml:"model"`
	Enabled bool              `toml:"enabled"`
	Headers map[string]string `toml:"headers"`
}

type AIConfig struct {
	Models         []AIModelConfig `toml:"models"`
	TimeoutSeconds int             `toml:"timeout_seconds"`
	// Schema-validation corrective retries per stage call.
	ValidationRetries int `toml:"validation_retries"`
	// Circuit breaker tuning.
	BreakerFailureThreshold int `toml:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `toml:"breaker_cooldown_seconds"`
}

type MarketDataConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type AnalysisConfig struct {
	// Instrument allow-list, e.g. ["NQ1", "ES1", "YM1", "RTY1", "GC1", "CL1"].
	Instruments []string `toml:"instruments"`
	// Per-stage cache TTLs.
	SecurityTTL  time.Duration `toml:"security_ttl"`
	MacroTTL     time.Duration `toml:"macro_ttl"`
	FluxTTL      time.Duration `toml:"flux_ttl"`
	Mag7TTL      time.Duration `toml:"mag7_ttl"`
	TechnicalTTL time.Duration `toml:"technical_ttl"`
	SynthesisTTL time.Duration `toml:"synthesis_ttl"`
	// Confidence penalties applied at synthesis per non-clean upstream stage.
	DegradedPenalty int `toml:"degraded_penalty"`
	FallbackPenalty int `toml:"fallback_penalty"`
}

type RateLimitWindows struct {
	PerSecond int `toml:"per_second"`
	PerMinute int `toml:"per_minute"`
	PerHour   int `toml:"per_hour"`
	PerDay    int `toml:"per_day"`
	// Token-budget dimension, separate from request counts.
	TokensPerMinute int `toml:"tokens_per_minute"`
	TokensPerDay    int `toml:"tokens_per_day"`
}

type RateLimitConfig struct {
	Global         RateLimitWindows `toml:"global"`
	PerUser        RateLimitWindows `toml:"per_user"`
	MaxWaitSeconds int              `toml:"max_wait_seconds"`
}

type BrokerConfig struct {
	Enabled      bool   `toml:"enabled"`
	BaseURL      string `toml:"base_url"`
	AuthURL      string `toml:"auth_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
	SyncInterval string `toml:"sync_interval"`
}

type BrokersConfig struct {
	Tradovate    BrokerConfig `toml:"tradovate"`
	TradeStation BrokerConfig `toml:"tradestation"`
	Tradier      BrokerConfig `toml:"tradier"`
	// Consecutive auth failures before a connection is auto-disabled.
	MaxAuthFailures int `toml:"max_auth_failures"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
	// Transient-error retries inside a single sync attempt.
	FetchRetries int `toml:"fetch_retries"`
}

type SchedulerConfig struct {
	Enabled        bool   `toml:"enabled"`
	Interval       string `toml:"interval"`
	MaxConcurrency int    `toml:"max_concurrency"`
	// Shared secret expected as bearer token on the external trigger endpoint.
	TriggerToken string `toml:"trigger_token"`
}

type MonitorConfig struct {
	HealthyRate  float64 `toml:"healthy_rate"`
	DegradedRate float64 `toml:"degraded_rate"`
}
