package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/gateway/marketdata"
)

// SecurityService profiles the instrument itself: recent daily structure,
// session ranges and the key price levels the later stages anchor on.
type SecurityService struct {
	runner *Runner
	md     marketdata.Source
	ttl    time.Duration
}

const securityBarLimit = 20

func (s *SecurityService) Analyze(ctx context.Context, userID, instrument, date string) (StageResult, error) {
	params := map[string]any{"instrument": instrument, "date": date, "bars": securityBarLimit}
	def := StageDef{
		Name:          StageSecurity,
		TTL:           s.ttl,
		TokenEstimate: 1800,
		Fetch: func(ctx context.Context) (any, error) {
			bars, err := s.md.DailyBars(ctx, instrument, securityBarLimit)
			if err != nil {
				return nil, err
			}
			rememberData(ctx, s.runner.Cache, StageSecurity, instrument, bars)
			return bars, nil
		},
		DegradedData: func(ctx context.Context) any {
			return recallData[[]marketdata.Bar](ctx, s.runner.Cache, StageSecurity, instrument)
		},
		Prompt: func(data any) (string, string) {
			system := "You are a futures market analyst. Answer with a single JSON object only."
			user := "Instrument: " + instrument + ", session date: " + date + ".\n" +
				"Daily bars (oldest first): " + compactJSON(data) + "\n" +
				`Identify the instrument's structural bias and key levels. Respond as ` +
				`{"bias_hint":"bullish|bearish|neutral","key_levels":[{"name":"...","price":0}],"summary":"..."}`
			return system, user
		},
		Fallback: func() json.RawMessage {
			return mustJSON(map[string]any{
				"bias_hint":  "neutral",
				"key_levels": []any{},
				"summary":    "security analysis unavailable",
			})
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}
