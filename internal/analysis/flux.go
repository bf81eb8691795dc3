package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/gateway/marketdata"
)

// FluxService reads short-horizon order flow: the most recent intraday bars.
// Fast-moving data, hence the shortest TTL of the six stages.
type FluxService struct {
	runner *Runner
	md     marketdata.Source
	ttl    time.Duration
}

const (
	fluxInterval = "5m"
	fluxBarLimit = 48
)

func (s *FluxService) Analyze(ctx context.Context, userID, instrument, date string) (StageResult, error) {
	params := map[string]any{"instrument": instrument, "date": date, "interval": fluxInterval, "bars": fluxBarLimit}
	def := StageDef{
		Name:          StageFlux,
		TTL:           s.ttl,
		TokenEstimate: 2200,
		Fetch: func(ctx context.Context) (any, error) {
			bars, err := s.md.IntradayBars(ctx, instrument, fluxInterval, fluxBarLimit)
			if err != nil {
				return nil, err
			}
			rememberData(ctx, s.runner.Cache, StageFlux, instrument, bars)
			return bars, nil
		},
		DegradedData: func(ctx context.Context) any {
			return recallData[[]marketdata.Bar](ctx, s.runner.Cache, StageFlux, instrument)
		},
		Prompt: func(data any) (string, string) {
			system := "You are a futures order-flow analyst. Answer with a single JSON object only."
			user := "Instrument: " + instrument + ", session date: " + date + ".\n" +
				"Recent 5m bars (oldest first): " + compactJSON(data) + "\n" +
				`Describe the short-term flux. Respond as ` +
				`{"direction":"up|down|flat","strength":0,"summary":"..."}`
			return system, user
		},
		Fallback: func() json.RawMessage {
			return mustJSON(map[string]any{
				"direction": "flat",
				"strength":  0,
				"summary":   "flux data unavailable",
			})
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}
