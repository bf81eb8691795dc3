package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradevane/internal/cache"
	"tradevane/internal/logger"
	"tradevane/internal/ratelimit"
)

// ErrGatewayFailed marks generation errors coming from the AI gateway itself
// (as opposed to schema-validation exhaustion). Critical stages propagate it.
var ErrGatewayFailed = errors.New("analysis: ai gateway failed")

// ErrValidationFailed marks a critical stage whose output never passed its
// schema within the correction budget.
var ErrValidationFailed = errors.New("analysis: response validation failed")

// StageDef is everything the shared runner needs to execute one stage:
// where its data comes from, how to prompt, what a valid answer looks like,
// and what to emit when the stage cannot produce a trustworthy result.
type StageDef struct {
	Name StageName
	TTL  time.Duration
	// Rough outbound token cost, charged against the token budget.
	TokenEstimate int
	// Fetch gathers the stage's external data. A nil Fetch means the stage
	// has no upstream dependency (synthesis).
	Fetch func(ctx context.Context) (any, error)
	// DegradedData supplies a substitute dataset when Fetch fails
	// (e.g. technical falls back to last-known levels from the cache).
	// Returning nil means the stage emits its fallback payload directly.
	DegradedData func(ctx context.Context) any
	// Prompt renders system+user prompts from the fetched data.
	Prompt func(data any) (system, user string)
	// Fallback is the schema-conformant default payload.
	Fallback func() json.RawMessage
	// Critical stages surface gateway failures and validation exhaustion to
	// the caller instead of emitting a fallback payload. Only synthesis sets
	// this: the five data stages may degrade, but a synthesis that cannot
	// produce a valid bias is an error for the whole request.
	Critical bool
	// Post rewrites a validated payload before it is cached (synthesis uses
	// it to apply confidence penalties for degraded upstream stages).
	Post func(payload json.RawMessage) json.RawMessage
}

// Runner executes stages with the shared cache → rate-limit → fetch → generate
// → validate discipline. One Runner is shared by all six stage services.
type Runner struct {
	Cache   cache.Store
	Limiter Budget
	Gateway Generator
	// Corrective regenerations after a schema violation.
	Retries int
	nowFn   func() time.Time
}

func NewRunner(store cache.Store, limiter Budget, gateway Generator, retries int) *Runner {
	if retries <= 0 {
		retries = 2
	}
	return &Runner{Cache: store, Limiter: limiter, Gateway: gateway, Retries: retries, nowFn: time.Now}
}

// Run executes one stage for (instrument, date). params feed the cache key;
// identical normalized params within TTL never reach the AI gateway again.
func (r *Runner) Run(ctx context.Context, userID, instrument, date string, def StageDef, params any) (StageResult, error) {
	paramHash := cache.Fingerprint(params)
	key := cache.StageKey(string(def.Name), instrument, date, paramHash)

	var cached StageResult
	if err := r.Cache.Get(ctx, key, &cached); err == nil && len(cached.Payload) > 0 {
		cached.Source = SourceCacheHit
		cached.CacheKey = key
		return cached, nil
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warnf("stage %s: cache read failed, recomputing: %v", def.Name, err)
	}

	if err := r.Limiter.Wait(ctx, userID, ratelimit.Cost{Requests: 1, Tokens: def.TokenEstimate}); err != nil {
		return StageResult{}, err
	}

	data, degraded, err := r.fetchData(ctx, def)
	if err != nil {
		// No data and no degraded substitute: emit the fallback payload so
		// the pipeline can still reach synthesis.
		return r.finish(ctx, key, def, StageResult{
			Stage:   def.Name,
			Source:  SourceDegraded,
			Payload: def.Fallback(),
		})
	}

	payload, genErr := r.generateValidated(ctx, def, data)
	if genErr != nil {
		if def.Critical {
			if errors.Is(genErr, ErrGatewayFailed) {
				return StageResult{}, genErr
			}
			return StageResult{}, fmt.Errorf("%w: %w", ErrValidationFailed, genErr)
		}
		logger.Warnf("stage %s: generation gave no valid payload: %v", def.Name, genErr)
		return r.finish(ctx, key, def, StageResult{
			Stage:   def.Name,
			Source:  SourceFallback,
			Payload: def.Fallback(),
		})
	}
	if def.Post != nil {
		payload = def.Post(payload)
	}
	source := SourceComputed
	if degraded {
		source = SourceDegraded
	}
	return r.finish(ctx, key, def, StageResult{
		Stage:   def.Name,
		Source:  source,
		Payload: payload,
	})
}

func (r *Runner) fetchData(ctx context.Context, def StageDef) (data any, degraded bool, err error) {
	if def.Fetch == nil {
		return nil, false, nil
	}
	data, err = def.Fetch(ctx)
	if err == nil {
		return data, false, nil
	}
	logger.Warnf("stage %s: data fetch failed: %v", def.Name, err)
	if def.DegradedData != nil {
		if sub := def.DegradedData(ctx); sub != nil {
			return sub, true, nil
		}
	}
	return nil, false, err
}

// generateValidated is the bounded retry-with-correction loop: attempt,
// validate, and on a schema violation regenerate with the validation error
// embedded in the prompt. Exhaustion returns the last error.
func (r *Runner) generateValidated(ctx context.Context, def StageDef, data any) (json.RawMessage, error) {
	system, user := def.Prompt(data)
	var lastErr error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		text, err := r.Gateway.Generate(ctx, system, user)
		if err != nil {
			// Upstream failure is not correctable by re-prompting.
			return nil, fmt.Errorf("%w: %w", ErrGatewayFailed, err)
		}
		raw, ok := ExtractJSONObject(text)
		if !ok {
			lastErr = fmt.Errorf("attempt %d: no json object in response", attempt+1)
			user = correctionPrompt(user, "the response contained no JSON object")
			continue
		}
		payload, verr := ValidateStagePayload(def.Name, raw)
		if verr == nil {
			return payload, nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, verr)
		user = correctionPrompt(user, verr.Error())
	}
	return nil, lastErr
}

func correctionPrompt(original, problem string) string {
	return original + "\n\nYour previous answer was rejected: " + problem +
		"\nRespond again with a single JSON object that satisfies the schema exactly. No prose."
}

func (r *Runner) finish(ctx context.Context, key string, def StageDef, res StageResult) (StageResult, error) {
	res.CacheKey = key
	res.GeneratedAt = r.nowFn()
	ttl := def.TTL
	if res.Source != SourceComputed {
		// Degraded/fallback payloads expire fast so a recovered upstream can
		// replace them without waiting out the full stage TTL.
		if ttl > 5*time.Minute {
			ttl = 5 * time.Minute
		}
	}
	if err := r.Cache.Set(ctx, key, res, ttl); err != nil {
		logger.Warnf("stage %s: cache write failed: %v", def.Name, err)
	}
	return res, nil
}
