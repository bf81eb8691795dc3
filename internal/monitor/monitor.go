package monitor

import (
	"context"
	"time"

	"tradevane/internal/store"
)

// Health buckets for a broker integration.
const (
	HealthHealthy   = "HEALTHY"
	HealthDegraded  = "DEGRADED"
	HealthUnhealthy = "UNHEALTHY"
	HealthUnknown   = "UNKNOWN"
)

// BrokerMetrics aggregates the sync-run audit log for one broker over the
// lookback window.
type BrokerMetrics struct {
	Broker      string     `json:"broker"`
	WindowHours int        `json:"window_hours"`
	Runs        int        `json:"runs"`
	Succeeded   int        `json:"succeeded"`
	Partial     int        `json:"partial"`
	Failed      int        `json:"failed"`
	SuccessRate float64    `json:"success_rate"`
	AvgDuration string     `json:"avg_duration"`
	Imported    int        `json:"imported"`
	Skipped     int        `json:"skipped"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	Health      string     `json:"health"`
}

// Monitor derives broker health from persisted sync runs. Partial runs count
// as half a success: trades moved, but not all of them.
type Monitor struct {
	Store        store.Store
	HealthyRate  float64
	DegradedRate float64
	Lookback     time.Duration

	nowFn func() time.Time
}

func New(st store.Store, healthyRate, degradedRate float64) *Monitor {
	if healthyRate <= 0 {
		healthyRate = 0.95
	}
	if degradedRate <= 0 {
		degradedRate = 0.80
	}
	return &Monitor{
		Store:        st,
		HealthyRate:  healthyRate,
		DegradedRate: degradedRate,
		Lookback:     24 * time.Hour,
		nowFn:        time.Now,
	}
}

// CalculateBrokerMetrics aggregates sync runs for one broker since the given
// time. A zero since falls back to the configured lookback window.
func (m *Monitor) CalculateBrokerMetrics(ctx context.Context, broker string, since time.Time) (BrokerMetrics, error) {
	now := m.nowFn()
	if since.IsZero() {
		since = now.Add(-m.Lookback)
	}
	runs, err := m.Store.ListSyncRuns(ctx, broker, since)
	if err != nil {
		return BrokerMetrics{}, err
	}

	out := BrokerMetrics{
		Broker:      broker,
		WindowHours: int(now.Sub(since) / time.Hour),
		Runs:        len(runs),
		Health:      HealthUnknown,
	}
	if len(runs) == 0 {
		out.AvgDuration = "0s"
		return out, nil
	}

	var totalDuration time.Duration
	for _, run := range runs {
		switch run.Status {
		case store.SyncStatusSuccess:
			out.Succeeded++
		case store.SyncStatusPartial:
			out.Partial++
		default:
			out.Failed++
		}
		out.Imported += run.Imported
		out.Skipped += run.Skipped
		totalDuration += run.FinishedAt.Sub(run.StartedAt)
	}

	// ListSyncRuns orders newest first.
	last := runs[0]
	ts := last.StartedAt
	out.LastRunAt = &ts
	out.LastStatus = last.Status
	out.AvgDuration = (totalDuration / time.Duration(len(runs))).Round(time.Millisecond).String()

	out.SuccessRate = (float64(out.Succeeded) + 0.5*float64(out.Partial)) / float64(len(runs))
	switch {
	case out.SuccessRate >= m.HealthyRate:
		out.Health = HealthHealthy
	case out.SuccessRate >= m.DegradedRate:
		out.Health = HealthDegraded
	default:
		out.Health = HealthUnhealthy
	}
	return out, nil
}

// AllBrokerHealth reports metrics for every broker in brokers, in input order.
func (m *Monitor) AllBrokerHealth(ctx context.Context, brokers []string, since time.Time) ([]BrokerMetrics, error) {
	out := make([]BrokerMetrics, 0, len(brokers))
	for _, b := range brokers {
		metrics, err := m.CalculateBrokerMetrics(ctx, b, since)
		if err != nil {
			return nil, err
		}
		out = append(out, metrics)
	}
	return out, nil
}
