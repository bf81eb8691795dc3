package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradevane/internal/cache"
	"tradevane/internal/config"
	"tradevane/internal/logger"
)

// ErrRateLimited is surfaced when a request cannot acquire budget within the
// configured maximum wait.
var ErrRateLimited = errors.New("ratelimit: budget exhausted")

// LimitError wraps ErrRateLimited with the window that rejected the call and
// when it resets, so the transport layer can emit a Retry-After.
type LimitError struct {
	Window     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: budget exhausted: window %s resets in %s", e.Window, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Cost describes what one outbound call consumes.
type Cost struct {
	Requests int
	Tokens   int
}

// Decision is the outcome of a budget check. When not allowed, RetryAfter is
// the earliest reset among the violated windows so callers can schedule a
// retry instead of busy-polling.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Window     string
}

// Limiter tracks request and token budgets across fixed windows
// (second/minute/hour/day) at global and per-user scope. Counters live in the
// shared cache store so every process instance draws from the same budget.
type Limiter struct {
	store   cache.Store
	global  config.RateLimitWindows
	perUser config.RateLimitWindows
	maxWait time.Duration
	nowFn   func() time.Time
}

func New(store cache.Store, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store:   store,
		global:  cfg.Global,
		perUser: cfg.PerUser,
		maxWait: time.Duration(cfg.MaxWaitSeconds) * time.Second,
		nowFn:   time.Now,
	}
}

// SetNow overrides the clock, for window-boundary tests.
func (l *Limiter) SetNow(fn func() time.Time) { l.nowFn = fn }

type window struct {
	name   string
	span   time.Duration
	limit  int
	tokens bool
}

func windowsFor(w config.RateLimitWindows) []window {
	return []window{
		{name: "second", span: time.Second, limit: w.PerSecond},
		{name: "minute", span: time.Minute, limit: w.PerMinute},
		{name: "hour", span: time.Hour, limit: w.PerHour},
		{name: "day", span: 24 * time.Hour, limit: w.PerDay},
		{name: "tokens_minute", span: time.Minute, limit: w.TokensPerMinute, tokens: true},
		{name: "tokens_day", span: 24 * time.Hour, limit: w.TokensPerDay, tokens: true},
	}
}

// Check consumes cost against both the global and the per-user scope. A call
// must pass both. Counters are incremented via the store's atomic Incr, so a
// rejected call still counts toward the window it tripped; that overcount is
// bounded by the retry policy and keeps the check race-free without locks.
func (l *Limiter) Check(ctx context.Context, userID string, cost Cost) (Decision, error) {
	if cost.Requests <= 0 {
		cost.Requests = 1
	}
	scopes := []struct {
		name    string
		windows []window
	}{
		{"global", windowsFor(l.global)},
		{"user:" + userID, windowsFor(l.perUser)},
	}
	worst := Decision{Allowed: true}
	for _, scope := range scopes {
		for _, w := range scope.windows {
			if w.limit <= 0 {
				continue
			}
			amount := cost.Requests
			if w.tokens {
				amount = cost.Tokens
				if amount <= 0 {
					continue
				}
			}
			count, reset, err := l.bump(ctx, scope.name, w, amount)
			if err != nil {
				return Decision{}, err
			}
			if count > int64(w.limit) {
				if worst.Allowed || reset < worst.RetryAfter {
					worst = Decision{Allowed: false, RetryAfter: reset, Window: scope.name + "/" + w.name}
				}
			}
		}
	}
	if !worst.Allowed {
		logger.Debugf("ratelimit: rejected window=%s retry_after=%s", worst.Window, worst.RetryAfter)
	}
	return worst, nil
}

// Wait blocks until budget is available, up to the configured maximum, then
// fails with ErrRateLimited. Retries are scheduled on the reported reset time
// rather than a fixed poll interval.
func (l *Limiter) Wait(ctx context.Context, userID string, cost Cost) error {
	deadline := l.nowFn().Add(l.maxWait)
	for {
		dec, err := l.Check(ctx, userID, cost)
		if err != nil {
			return err
		}
		if dec.Allowed {
			return nil
		}
		wait := dec.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if l.nowFn().Add(wait).After(deadline) {
			return &LimitError{Window: dec.Window, RetryAfter: dec.RetryAfter}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) bump(ctx context.Context, scope string, w window, amount int) (int64, time.Duration, error) {
	now := l.nowFn()
	bucket := now.Truncate(w.span)
	key := fmt.Sprintf("rl:%s:%s:%d", scope, w.name, bucket.Unix())
	count, err := l.store.IncrBy(ctx, key, int64(amount))
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: counter store: %w", err)
	}
	if count == int64(amount) {
		// First write in this window owns the expiry.
		if err := l.store.Expire(ctx, key, w.span+time.Second); err != nil {
			return 0, 0, fmt.Errorf("ratelimit: counter expire: %w", err)
		}
	}
	reset := bucket.Add(w.span).Sub(now)
	return count, reset, nil
}
