package analysis

import (
	"context"
	"encoding/json"
	"time"

	"tradevane/internal/ratelimit"
)

// StageName identifies one of the six pipeline steps.
type StageName string

const (
	StageSecurity  StageName = "security"
	StageMacro     StageName = "macro"
	StageFlux      StageName = "flux"
	StageMag7      StageName = "mag7"
	StageTechnical StageName = "technical"
	StageSynthesis StageName = "synthesis"
)

// StageOrder is the required execution order. Synthesis must come last; the
// middle four are independent of each other but run sequentially to bound
// provider rate-limit usage.
var StageOrder = []StageName{
	StageSecurity, StageMacro, StageFlux, StageMag7, StageTechnical, StageSynthesis,
}

// SourceTag records how a stage result was produced.
type SourceTag string

const (
	SourceCacheHit SourceTag = "cacheHit"
	SourceComputed SourceTag = "computed"
	// Degraded: the stage's market-data fetch failed and a stage-specific
	// fallback dataset was used instead of failing the pipeline.
	SourceDegraded SourceTag = "degraded"
	// Fallback: AI generation or schema validation exhausted its retry
	// budget; the payload is the stage's schema-conformant default.
	SourceFallback SourceTag = "fallback"
)

// StageResult is the validated output of one stage.
type StageResult struct {
	Stage       StageName       `json:"stage"`
	Source      SourceTag       `json:"source"`
	Payload     json.RawMessage `json:"payload"`
	CacheKey    string          `json:"cache_key"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Clean reports whether the result carries full-confidence data.
func (r StageResult) Clean() bool {
	return r.Source == SourceComputed || r.Source == SourceCacheHit
}

// Generator is the slice of the AI gateway the stages need.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Budget is the slice of the rate limiter the stages need. Satisfied by
// *ratelimit.Limiter.
type Budget interface {
	Wait(ctx context.Context, userID string, cost ratelimit.Cost) error
}
