package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/gateway/marketdata"
)

// MacroService reads the economic calendar for the target date and scores
// event risk for the session.
type MacroService struct {
	runner *Runner
	md     marketdata.Source
	ttl    time.Duration
}

func (s *MacroService) Analyze(ctx context.Context, userID, instrument, date string) (StageResult, error) {
	params := map[string]any{"instrument": instrument, "date": date}
	def := StageDef{
		Name:          StageMacro,
		TTL:           s.ttl,
		TokenEstimate: 1500,
		Fetch: func(ctx context.Context) (any, error) {
			events, err := s.md.EconomicCalendar(ctx, date)
			if err != nil {
				return nil, err
			}
			rememberData(ctx, s.runner.Cache, StageMacro, instrument, events)
			return events, nil
		},
		DegradedData: func(ctx context.Context) any {
			return recallData[[]marketdata.EconomicEvent](ctx, s.runner.Cache, StageMacro, instrument)
		},
		Prompt: func(data any) (string, string) {
			system := "You are a macro economist covering US index futures. Answer with a single JSON object only."
			user := "Session date: " + date + ", instrument: " + instrument + ".\n" +
				"Economic calendar: " + compactJSON(data) + "\n" +
				`Rate the event risk for this session. Respond as ` +
				`{"risk_level":"low|medium|high","events":[{"name":"...","impact":"...","time":"..."}],"summary":"..."}`
			return system, user
		},
		Fallback: func() json.RawMessage {
			return mustJSON(map[string]any{
				"risk_level": "medium",
				"events":     []any{},
				"summary":    "macro calendar unavailable",
			})
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}
