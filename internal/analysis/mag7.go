package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/gateway/marketdata"
)

// Mag7Service reads the mega-cap complex (the "Magnificent 7") as a proxy for
// index leadership. Falls back to the last cached quote set when the quote
// API is down.
type Mag7Service struct {
	runner *Runner
	md     marketdata.Source
	ttl    time.Duration
}

var mag7Symbols = []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA"}

func (s *Mag7Service) Analyze(ctx context.Context, userID, instrument, date string) (StageResult, error) {
	params := map[string]any{"instrument": instrument, "date": date, "symbols": mag7Symbols}
	def := StageDef{
		Name:          StageMag7,
		TTL:           s.ttl,
		TokenEstimate: 1500,
		Fetch: func(ctx context.Context) (any, error) {
			quotes, err := s.md.Quotes(ctx, mag7Symbols)
			if err != nil {
				return nil, err
			}
			rememberData(ctx, s.runner.Cache, StageMag7, instrument, quotes)
			return quotes, nil
		},
		DegradedData: func(ctx context.Context) any {
			return recallData[[]marketdata.Quote](ctx, s.runner.Cache, StageMag7, instrument)
		},
		Prompt: func(data any) (string, string) {
			system := "You are an equity index analyst. Answer with a single JSON object only."
			user := "Instrument: " + instrument + ", session date: " + date + ".\n" +
				"Mega-cap quotes: " + compactJSON(data) + "\n" +
				`Assess mega-cap alignment relative to the index. Respond as ` +
				`{"alignment":"bullish|bearish|mixed","leaders":["..."],"laggards":["..."],"summary":"..."}`
			return system, user
		},
		Fallback: func() json.RawMessage {
			return mustJSON(map[string]any{
				"alignment": "mixed",
				"leaders":   []any{},
				"laggards":  []any{},
				"summary":   "mega-cap quotes unavailable",
			})
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}
