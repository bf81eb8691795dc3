package provider

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker is a per-provider circuit breaker. It opens after a run of
// consecutive failures, stays open for the cool-down window, then allows a
// single probe call in HALF_OPEN. One probe success closes it again.
type Breaker struct {
	mu sync.Mutex

	state         BreakerState
	consecFails   int
	failures      int64
	successes     int64
	openedAt      time.Time
	probeInFlight bool

	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time

	// Rolling latency over the last latencyWindow calls.
	latencies []time.Duration
}

const latencyWindow = 32

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, nowFn: time.Now}
}

// SetNow overrides the clock, for cool-down tests.
func (b *Breaker) SetNow(fn func() time.Time) {
	b.mu.Lock()
	b.nowFn = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. In HALF_OPEN only one probe is
// admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.nowFn().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	b.consecFails = 0
	b.pushLatency(latency)
	if b.state != BreakerClosed {
		b.state = BreakerClosed
	}
	b.probeInFlight = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.consecFails++
	b.probeInFlight = false
	if b.state == BreakerHalfOpen || b.consecFails >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.nowFn()
	}
}

// Healthy is true iff the breaker would let traffic through (CLOSED or
// HALF_OPEN, or an OPEN breaker whose cool-down already elapsed).
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return b.nowFn().Sub(b.openedAt) >= b.cooldown
	}
	return true
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns total successes, failures and the rolling average latency.
func (b *Breaker) Stats() (successes, failures int64, avgLatency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.latencies) > 0 {
		var sum time.Duration
		for _, l := range b.latencies {
			sum += l
		}
		avgLatency = sum / time.Duration(len(b.latencies))
	}
	return b.successes, b.failures, avgLatency
}

func (b *Breaker) pushLatency(l time.Duration) {
	b.latencies = append(b.latencies, l)
	if len(b.latencies) > latencyWindow {
		b.latencies = b.latencies[len(b.latencies)-latencyWindow:]
	}
}
