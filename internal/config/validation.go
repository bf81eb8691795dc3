package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// validate rejects configurations that would fail at first use. Each missing
// external dependency gets its own error so operators can tell them apart.
func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	enabled := 0
	for i, m := range cfg.AI.Models {
		if !m.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("ai.models[%d]: id is required for enabled models", i)
		}
		if strings.TrimSpace(m.APIKey) == "" {
			return fmt.Errorf("ai.models[%d] (%s): api_key missing", i, m.ID)
		}
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("ai.models[%d] (%s): model missing", i, m.ID)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("ai.models: at least one enabled model is required")
	}

	if strings.TrimSpace(cfg.MarketData.BaseURL) == "" {
		return fmt.Errorf("market_data.base_url missing")
	}
	if strings.TrimSpace(cfg.MarketData.APIKey) == "" {
		return fmt.Errorf("market_data.api_key missing")
	}

	key := strings.TrimSpace(cfg.App.CredentialKey)
	if key == "" {
		return fmt.Errorf("app.credential_key missing (hex-encoded 32 bytes)")
	}
	if raw, err := hex.DecodeString(key); err != nil || len(raw) != 32 {
		return fmt.Errorf("app.credential_key must be 32 hex-encoded bytes")
	}

	for _, b := range []struct {
		name string
		cfg  BrokerConfig
	}{
		{"tradovate", cfg.Brokers.Tradovate},
		{"tradestation", cfg.Brokers.TradeStation},
		{"tradier", cfg.Brokers.Tradier},
	} {
		if !b.cfg.Enabled {
			continue
		}
		if strings.TrimSpace(b.cfg.BaseURL) == "" {
			return fmt.Errorf("brokers.%s.base_url missing", b.name)
		}
		if _, ok := ParseInterval(b.cfg.SyncInterval); !ok {
			return fmt.Errorf("brokers.%s.sync_interval invalid: %q", b.name, b.cfg.SyncInterval)
		}
	}

	if cfg.Scheduler.Enabled {
		if _, ok := ParseInterval(cfg.Scheduler.Interval); !ok {
			return fmt.Errorf("scheduler.interval invalid: %q", cfg.Scheduler.Interval)
		}
		if strings.TrimSpace(cfg.Scheduler.TriggerToken) == "" {
			return fmt.Errorf("scheduler.trigger_token missing")
		}
	}

	if cfg.Monitor.DegradedRate >= cfg.Monitor.HealthyRate {
		return fmt.Errorf("monitor.degraded_rate must be below monitor.healthy_rate")
	}
	return nil
}

// ParseInterval parses "30s", "15m", "1h", "1d" into a duration.
func ParseInterval(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	unit := interval[len(interval)-1]
	var n int
	if _, err := fmt.Sscanf(interval[:len(interval)-1], "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	default:
		return 0, false
	}
}
