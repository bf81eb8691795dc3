package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tradevane/internal/broker/syncengine"
	"tradevane/internal/logger"
	"tradevane/internal/store"
)

// Summary is the result of one sweep over the active connections.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Partial    int       `json:"partial"`
	Failed     int       `json:"failed"`
	// Connections not yet due for their broker's sync interval.
	Skipped int `json:"skipped"`
}

// Scheduler sweeps active broker connections on a fixed interval and syncs
// the due ones concurrently, each isolated from the others.
type Scheduler struct {
	Store  store.Store
	Engine *syncengine.Engine
	// Per-broker sync cadence, keyed by broker type string.
	Intervals      map[string]time.Duration
	Interval       time.Duration
	MaxConcurrency int

	nowFn func() time.Time

	mu       sync.Mutex
	running  bool
	lastRun  *Summary
	sweeping bool
}

func New(st store.Store, engine *syncengine.Engine, intervals map[string]time.Duration, sweep time.Duration, maxConcurrency int) *Scheduler {
	if sweep <= 0 {
		sweep = time.Minute
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		Store:          st,
		Engine:         engine,
		Intervals:      intervals,
		Interval:       sweep,
		MaxConcurrency: maxConcurrency,
		nowFn:          time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping every Interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	logger.Infof("scheduler: started, sweep interval %s", s.Interval)
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler: stopped")
			return
		case <-timer.C:
		}
		s.RunScheduledSync(ctx)
		timer.Reset(s.Interval)
	}
}

// RunScheduledSync performs one sweep. Safe to call concurrently with the
// background loop (manual trigger): overlapping sweeps stay harmless because
// due-filtering makes re-syncing a fresh connection a no-op, but we still
// collapse concurrent sweeps to keep broker traffic predictable.
func (s *Scheduler) RunScheduledSync(ctx context.Context) Summary {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		logger.Debugf("scheduler: sweep already in progress, skipping")
		if s.lastRun != nil {
			return *s.lastRun
		}
		return Summary{}
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	now := s.nowFn()
	summary := Summary{StartedAt: now}

	conns, err := s.Store.ListActiveConnections(ctx)
	if err != nil {
		logger.Errorf("scheduler: list connections: %v", err)
		summary.FinishedAt = s.nowFn()
		s.remember(summary)
		return summary
	}

	due := make([]store.BrokerConnectionRecord, 0, len(conns))
	for _, conn := range conns {
		if s.isDue(conn, now) {
			due = append(due, conn)
		} else {
			summary.Skipped++
		}
	}

	sem := semaphore.NewWeighted(int64(s.MaxConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, conn := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(conn store.BrokerConnectionRecord) {
			defer wg.Done()
			defer sem.Release(1)
			// The engine recovers its own panics; this guard keeps a bug in
			// the bookkeeping below from poisoning sibling syncs.
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("scheduler: conn=%d panic: %v", conn.ID, r)
					mu.Lock()
					summary.Failed++
					mu.Unlock()
				}
			}()
			run := s.Engine.SyncConnection(ctx, conn)
			mu.Lock()
			summary.Processed++
			switch run.Status {
			case store.SyncStatusSuccess:
				summary.Succeeded++
			case store.SyncStatusPartial:
				summary.Partial++
			default:
				summary.Failed++
			}
			mu.Unlock()
		}(conn)
	}
	wg.Wait()

	summary.FinishedAt = s.nowFn()
	logger.Infof("scheduler: sweep done processed=%d succeeded=%d partial=%d failed=%d skipped=%d",
		summary.Processed, summary.Succeeded, summary.Partial, summary.Failed, summary.Skipped)
	s.remember(summary)
	return summary
}

func (s *Scheduler) isDue(conn store.BrokerConnectionRecord, now time.Time) bool {
	if conn.LastSyncAt == nil {
		return true
	}
	interval, ok := s.Intervals[conn.Broker]
	if !ok || interval <= 0 {
		interval = 15 * time.Minute
	}
	return !now.Before(conn.LastSyncAt.Add(interval))
}

func (s *Scheduler) remember(summary Summary) {
	s.mu.Lock()
	s.lastRun = &summary
	s.mu.Unlock()
}

// Status describes the scheduler for the status endpoint.
type Status struct {
	Running  bool     `json:"running"`
	Sweeping bool     `json:"sweeping"`
	Interval string   `json:"interval"`
	LastRun  *Summary `json:"last_run,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:  s.running,
		Sweeping: s.sweeping,
		Interval: s.Interval.String(),
		LastRun:  s.lastRun,
	}
}
