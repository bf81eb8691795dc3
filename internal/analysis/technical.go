package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/gateway/marketdata"
)

// TechnicalService derives trend, support and resistance from a blend of
// daily and intraday bars. On fetch failure it reuses the last-known bar set
// so support/resistance stay anchored to real prices.
type TechnicalService struct {
	runner *Runner
	md     marketdata.Source
	ttl    time.Duration
}

type technicalData struct {
	Daily    []marketdata.Bar `json:"daily"`
	Intraday []marketdata.Bar `json:"intraday"`
}

func (s *TechnicalService) Analyze(ctx context.Context, userID, instrument, date string) (StageResult, error) {
	params := map[string]any{"instrument": instrument, "date": date, "daily": 30, "intraday": 24}
	def := StageDef{
		Name:          StageTechnical,
		TTL:           s.ttl,
		TokenEstimate: 2500,
		Fetch: func(ctx context.Context) (any, error) {
			daily, err := s.md.DailyBars(ctx, instrument, 30)
			if err != nil {
				return nil, err
			}
			intraday, err := s.md.IntradayBars(ctx, instrument, "1h", 24)
			if err != nil {
				return nil, err
			}
			data := technicalData{Daily: daily, Intraday: intraday}
			rememberData(ctx, s.runner.Cache, StageTechnical, instrument, data)
			return data, nil
		},
		DegradedData: func(ctx context.Context) any {
			return recallData[technicalData](ctx, s.runner.Cache, StageTechnical, instrument)
		},
		Prompt: func(data any) (string, string) {
			system := "You are a technical analyst for futures markets. Answer with a single JSON object only."
			user := "Instrument: " + instrument + ", session date: " + date + ".\n" +
				"Bars: " + compactJSON(data) + "\n" +
				`Give trend and the nearest actionable levels. Respond as ` +
				`{"trend":"bullish|bearish|neutral","support":0,"resistance":0,"summary":"..."}`
			return system, user
		},
		Fallback: func() json.RawMessage {
			return mustJSON(map[string]any{
				"trend":      "neutral",
				"support":    0,
				"resistance": 0,
				"summary":    "technical data unavailable",
			})
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}
