package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/cache"
	"tradevane/internal/config"
	"tradevane/internal/gateway/marketdata"
	"tradevane/internal/logger"
)

// Services bundles the six stage services over a shared runner and data
// source. Construction order here has no meaning; execution order is the
// orchestrator's job.
type Services struct {
	Security  *SecurityService
	Macro     *MacroService
	Flux      *FluxService
	Mag7      *Mag7Service
	Technical *TechnicalService
	Synthesis *SynthesisService
}

func NewServices(runner *Runner, md marketdata.Source, cfg config.AnalysisConfig) *Services {
	return &Services{
		Security:  &SecurityService{runner: runner, md: md, ttl: cfg.SecurityTTL},
		Macro:     &MacroService{runner: runner, md: md, ttl: cfg.MacroTTL},
		Flux:      &FluxService{runner: runner, md: md, ttl: cfg.FluxTTL},
		Mag7:      &Mag7Service{runner: runner, md: md, ttl: cfg.Mag7TTL},
		Technical: &TechnicalService{runner: runner, md: md, ttl: cfg.TechnicalTTL},
		Synthesis: &SynthesisService{
			runner:          runner,
			ttl:             cfg.SynthesisTTL,
			DegradedPenalty: cfg.DegradedPenalty,
			FallbackPenalty: cfg.FallbackPenalty,
		},
	}
}

// lastGoodKey names the cache slot holding the most recent successfully
// fetched dataset for a stage, used as the degraded substitute when the
// market-data API is down.
func lastGoodKey(stage StageName, instrument string) string {
	return "lastdata:" + string(stage) + ":" + instrument
}

// rememberData stores a copy of freshly fetched data for future degraded runs.
// Best effort; a write failure only costs fallback quality later.
func rememberData(ctx context.Context, store cache.Store, stage StageName, instrument string, data any) {
	if err := store.Set(ctx, lastGoodKey(stage, instrument), data, 7*24*time.Hour); err != nil {
		logger.Debugf("stage %s: last-good write failed: %v", stage, err)
	}
}

func recallData[T any](ctx context.Context, store cache.Store, stage StageName, instrument string) any {
	var data T
	if err := store.Get(ctx, lastGoodKey(stage, instrument), &data); err != nil {
		return nil
	}
	return data
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
