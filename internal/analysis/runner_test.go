package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradevane/internal/cache"
	"tradevane/internal/ratelimit"
)

type scriptedGateway struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (g *scriptedGateway) Generate(_ context.Context, _, user string) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, user)
	if g.err != nil {
		return "", g.err
	}
	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return g.responses[idx], nil
}

type openBudget struct{ waits int }

func (b *openBudget) Wait(context.Context, string, ratelimit.Cost) error {
	b.waits++
	return nil
}

func fluxDef(ttl time.Duration) StageDef {
	return StageDef{
		Name:          StageFlux,
		TTL:           ttl,
		TokenEstimate: 100,
		Fetch: func(context.Context) (any, error) {
			return map[string]any{"bars": 48}, nil
		},
		Prompt: func(any) (string, string) {
			return "system", "analyze the flux"
		},
		Fallback: func() json.RawMessage {
			return json.RawMessage(`{"direction":"flat","strength":0,"summary":"flux unavailable"}`)
		},
	}
}

const validFlux = `{"direction":"up","strength":80,"summary":"strong tape"}`

func TestRunComputesThenServesFromCache(t *testing.T) {
	gw := &scriptedGateway{responses: []string{validFlux}}
	budget := &openBudget{}
	r := NewRunner(cache.NewMemoryStore(), budget, gw, 2)
	ctx := context.Background()
	params := map[string]any{"instrument": "NQ1"}

	first, err := r.Run(ctx, "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), params)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, first.Source)
	assert.Equal(t, 1, gw.calls)

	second, err := r.Run(ctx, "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), params)
	require.NoError(t, err)
	assert.Equal(t, SourceCacheHit, second.Source)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))
	// A cache hit never touches the gateway or the budget again.
	assert.Equal(t, 1, gw.calls)
	assert.Equal(t, 1, budget.waits)
}

func TestRunDifferentParamsMissCache(t *testing.T) {
	gw := &scriptedGateway{responses: []string{validFlux}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)
	ctx := context.Background()

	_, err := r.Run(ctx, "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), map[string]any{"limit": 48})
	require.NoError(t, err)
	_, err = r.Run(ctx, "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), map[string]any{"limit": 96})
	require.NoError(t, err)
	assert.Equal(t, 2, gw.calls)
}

func TestRunRetriesWithCorrectionPrompt(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"direction":"up","summary":"forgot the strength"}`,
		validFlux,
	}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, res.Source)
	require.Equal(t, 2, gw.calls)
	assert.Contains(t, gw.prompts[1], "rejected")
}

func TestRunFallsBackAfterRetryExhaustion(t *testing.T) {
	gw := &scriptedGateway{responses: []string{`{"direction":"sideways","strength":5,"summary":"bad enum"}`}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 1)

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "flat", jsonField(t, res.Payload, "direction"))
	assert.Equal(t, 2, gw.calls)
}

func TestRunGatewayFailureNonCriticalFallsBack(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("all upstreams down")}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", fluxDef(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, 1, gw.calls)
}

func TestRunValidationExhaustionCriticalPropagates(t *testing.T) {
	gw := &scriptedGateway{responses: []string{`{"direction":"sideways","strength":5,"summary":"bad enum"}`}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 1)
	def := fluxDef(time.Hour)
	def.Critical = true

	_, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", def, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, 2, gw.calls, "correction budget is still spent before giving up")
}

func TestRunGatewayFailureCriticalPropagates(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("all upstreams down")}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)
	def := fluxDef(time.Hour)
	def.Critical = true

	_, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", def, nil)
	assert.ErrorIs(t, err, ErrGatewayFailed)
}

func TestRunUsesDegradedDataWhenFetchFails(t *testing.T) {
	gw := &scriptedGateway{responses: []string{validFlux}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)
	def := fluxDef(time.Hour)
	def.Fetch = func(context.Context) (any, error) {
		return nil, errors.New("market data down")
	}
	def.DegradedData = func(context.Context) any {
		return map[string]any{"bars": "stale"}
	}

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", def, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, res.Source)
	assert.Equal(t, 1, gw.calls)
}

func TestRunEmitsFallbackWhenNoDataAtAll(t *testing.T) {
	gw := &scriptedGateway{responses: []string{validFlux}}
	r := NewRunner(cache.NewMemoryStore(), &openBudget{}, gw, 2)
	def := fluxDef(time.Hour)
	def.Fetch = func(context.Context) (any, error) {
		return nil, errors.New("market data down")
	}

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", def, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, res.Source)
	assert.Equal(t, "flux unavailable", jsonField(t, res.Payload, "summary"))
	// No data means no model call.
	assert.Zero(t, gw.calls)
}

func TestDegradedResultCachedWithShortTTL(t *testing.T) {
	store := cache.NewMemoryStore()
	now := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	clock := &now
	store.SetNow(func() time.Time { return *clock })

	gw := &scriptedGateway{err: errors.New("down")}
	r := NewRunner(store, &openBudget{}, gw, 0)

	res, err := r.Run(context.Background(), "u1", "NQ1", "2026-01-20", fluxDef(24*time.Hour), nil)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, res.Source)

	ttl, err := store.TTL(context.Background(), res.CacheKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 5*time.Minute)
}

func jsonField(t *testing.T, payload json.RawMessage, field string) string {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	s, _ := decoded[field].(string)
	return s
}
