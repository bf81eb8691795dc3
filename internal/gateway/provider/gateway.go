package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradevane/internal/logger"
)

// ErrUpstreamUnavailable means every configured provider failed or was
// skipped by its breaker.
var ErrUpstreamUnavailable = errors.New("provider: all upstreams unavailable")

// Gateway fronts the configured model providers. Providers are tried in
// configuration order; one whose breaker is open is skipped, so a degraded
// upstream fails over transparently instead of surfacing to the caller.
type Gateway struct {
	providers []ModelProvider
	breakers  map[string]*Breaker
}

func NewGateway(providers []ModelProvider, failureThreshold int, cooldown time.Duration) *Gateway {
	g := &Gateway{breakers: make(map[string]*Breaker, len(providers))}
	for _, p := range providers {
		if p == nil || !p.Enabled() {
			continue
		}
		g.providers = append(g.providers, p)
		g.breakers[p.ID()] = NewBreaker(failureThreshold, cooldown)
	}
	return g
}

// Generate runs the prompt against the first healthy provider.
func (g *Gateway) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if len(g.providers) == 0 {
		return "", fmt.Errorf("%w: no providers configured", ErrUpstreamUnavailable)
	}
	var lastErr error
	for _, p := range g.providers {
		br := g.breakers[p.ID()]
		if !br.Allow() {
			logger.Debugf("provider %s skipped (breaker %s)", p.ID(), br.State())
			continue
		}
		start := time.Now()
		out, err := p.Call(ctx, systemPrompt, userPrompt)
		if err != nil {
			br.RecordFailure()
			lastErr = err
			logger.Warnf("provider %s failed: %v (breaker %s)", p.ID(), err, br.State())
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		br.RecordSuccess(time.Since(start))
		return out, nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: last error: %v", ErrUpstreamUnavailable, lastErr)
	}
	return "", ErrUpstreamUnavailable
}

// IsHealthy reports whether the named provider would currently accept traffic.
func (g *Gateway) IsHealthy(id string) bool {
	br, ok := g.breakers[id]
	if !ok {
		return false
	}
	return br.Healthy()
}

// ProviderStats exposes breaker counters for status endpoints.
type ProviderStats struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

func (g *Gateway) Stats() []ProviderStats {
	out := make([]ProviderStats, 0, len(g.providers))
	for _, p := range g.providers {
		br := g.breakers[p.ID()]
		succ, fail, lat := br.Stats()
		out = append(out, ProviderStats{
			ID:         p.ID(),
			State:      br.State().String(),
			Successes:  succ,
			Failures:   fail,
			AvgLatency: lat,
		})
	}
	return out
}

// breakerFor is a test hook.
func (g *Gateway) breakerFor(id string) *Breaker { return g.breakers[id] }
