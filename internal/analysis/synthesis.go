package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"tradevane/internal/cache"
)

// SynthesisInputs are the five prior stage outputs, passed directly rather
// than re-fetched.
type SynthesisInputs struct {
	Security  StageResult
	Macro     StageResult
	Flux      StageResult
	Mag7      StageResult
	Technical StageResult
}

func (in SynthesisInputs) ordered() []StageResult {
	return []StageResult{in.Security, in.Macro, in.Flux, in.Mag7, in.Technical}
}

// Complete reports whether all five inputs carry payloads. Synthesis must
// never run with fewer.
func (in SynthesisInputs) Complete() bool {
	for _, r := range in.ordered() {
		if len(r.Payload) == 0 {
			return false
		}
	}
	return true
}

// SynthesisService folds the five stage outputs into the final daily bias.
// The model proposes bias and confidence; the service then applies the
// penalty table for degraded/fallback upstream stages, so reduced input
// quality is always visible in the final number.
type SynthesisService struct {
	runner *Runner
	ttl    time.Duration

	// Confidence penalty per upstream stage, keyed by source tag.
	DegradedPenalty int
	FallbackPenalty int
}

const synthesisConfidenceFloor = 5

func (s *SynthesisService) Analyze(ctx context.Context, userID, instrument, date string, inputs SynthesisInputs) (StageResult, error) {
	if !inputs.Complete() {
		return StageResult{}, fmt.Errorf("synthesis requires all five prior stage outputs")
	}
	penalty := s.totalPenalty(inputs)
	params := map[string]any{
		"instrument": instrument,
		"date":       date,
		// Input payload hashes make the synthesis cache key track its inputs:
		// new upstream content means a new synthesis computation.
		"inputs":  inputHashes(inputs),
		"penalty": penalty,
	}
	def := StageDef{
		Name:          StageSynthesis,
		TTL:           s.ttl,
		TokenEstimate: 3000,
		Critical:      true,
		Prompt: func(any) (string, string) {
			system := "You are the lead analyst issuing a daily directional bias. Answer with a single JSON object only."
			user := "Instrument: " + instrument + ", session date: " + date + ".\n" +
				"Security analysis: " + string(inputs.Security.Payload) + "\n" +
				"Macro analysis: " + string(inputs.Macro.Payload) + "\n" +
				"Flux analysis: " + string(inputs.Flux.Payload) + "\n" +
				"Mega-cap analysis: " + string(inputs.Mag7.Payload) + "\n" +
				"Technical analysis: " + string(inputs.Technical.Payload) + "\n" +
				`Synthesize the daily bias. Respond as ` +
				`{"bias":"BULLISH|BEARISH|NEUTRAL","confidence":0,"key_drivers":["..."],"summary":"..."}`
			return system, user
		},
		Post: func(payload json.RawMessage) json.RawMessage {
			return applyConfidencePenalty(payload, penalty)
		},
	}
	return s.runner.Run(ctx, userID, instrument, date, def, params)
}

func (s *SynthesisService) totalPenalty(inputs SynthesisInputs) int {
	degraded := s.DegradedPenalty
	if degraded <= 0 {
		degraded = 15
	}
	fallback := s.FallbackPenalty
	if fallback <= 0 {
		fallback = 25
	}
	total := 0
	for _, r := range inputs.ordered() {
		switch r.Source {
		case SourceDegraded:
			total += degraded
		case SourceFallback:
			total += fallback
		}
	}
	return total
}

func inputHashes(inputs SynthesisInputs) []string {
	out := make([]string, 0, 5)
	for _, r := range inputs.ordered() {
		out = append(out, cache.Fingerprint(r.Payload))
	}
	return out
}

// applyConfidencePenalty rewrites the confidence field in place, clamped to
// the floor so a fully degraded run still expresses a direction preference.
func applyConfidencePenalty(payload json.RawMessage, penalty int) json.RawMessage {
	if penalty <= 0 {
		return payload
	}
	confidence := gjson.GetBytes(payload, "confidence").Float()
	adjusted := confidence - float64(penalty)
	if adjusted < synthesisConfidenceFloor {
		adjusted = synthesisConfidenceFloor
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return payload
	}
	decoded["confidence"] = adjusted
	out, err := json.Marshal(decoded)
	if err != nil {
		return payload
	}
	return out
}
