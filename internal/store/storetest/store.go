// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradevane/internal/store"
)

// Memory implements store.Store with maps and a mutex. Not meant for
// production use; the gorm store is the real implementation.
type Memory struct {
	mu sync.Mutex

	nextRunID  int64
	runs       map[string]store.AnalysisRunRecord // key user|instrument|date
	nextConnID int64
	conns      map[int64]store.BrokerConnectionRecord
	syncRuns   []store.SyncRunRecord
	trades     map[string]store.TradeRecord // key account|external

	// Optional fault injection.
	UpsertTradesErr error
}

var _ store.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]store.AnalysisRunRecord),
		conns:  make(map[int64]store.BrokerConnectionRecord),
		trades: make(map[string]store.TradeRecord),
	}
}

func runKey(userID, instrument, date string) string {
	return userID + "|" + instrument + "|" + date
}

func (m *Memory) UpsertAnalysisRun(_ context.Context, rec store.AnalysisRunRecord) (store.AnalysisRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(rec.UserID, rec.Instrument, rec.BiasDate)
	if existing, ok := m.runs[key]; ok {
		rec.ID = existing.ID
	} else {
		m.nextRunID++
		rec.ID = m.nextRunID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.runs[key] = rec
	return rec, nil
}

func (m *Memory) GetAnalysisRun(_ context.Context, userID, instrument, biasDate string) (store.AnalysisRunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runKey(userID, instrument, biasDate)]
	return rec, ok, nil
}

func (m *Memory) ListAnalysisRuns(_ context.Context, instrument string, limit int) ([]store.AnalysisRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AnalysisRunRecord, 0)
	for _, rec := range m.runs {
		if instrument == "" || rec.Instrument == instrument {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BiasDate != out[j].BiasDate {
			return out[i].BiasDate > out[j].BiasDate
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) HasNewerAnalysisRun(_ context.Context, instrument string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.runs {
		if rec.Instrument == instrument && rec.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateConnection(_ context.Context, rec store.BrokerConnectionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConnID++
	rec.ID = m.nextConnID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	m.conns[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) GetConnection(_ context.Context, id int64) (store.BrokerConnectionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	return rec, ok, nil
}

func (m *Memory) FindActiveConnection(_ context.Context, userID, broker string) (store.BrokerConnectionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best store.BrokerConnectionRecord
	found := false
	for _, rec := range m.conns {
		if rec.Active && rec.UserID == userID && rec.Broker == broker {
			if !found || rec.ID > best.ID {
				best = rec
				found = true
			}
		}
	}
	return best, found, nil
}

func (m *Memory) ListActiveConnections(_ context.Context) ([]store.BrokerConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.BrokerConnectionRecord, 0)
	for _, rec := range m.conns {
		if rec.Active {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateConnectionCredentials(_ context.Context, id int64, credentials []byte, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("connection %d not found", id)
	}
	rec.Credentials = credentials
	rec.TokenExpiresAt = expiresAt
	rec.UpdatedAt = time.Now()
	m.conns[id] = rec
	return nil
}

func (m *Memory) RecordSyncOutcome(_ context.Context, id int64, status string, at time.Time, watermark *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("connection %d not found", id)
	}
	ts := at
	rec.LastSyncAt = &ts
	rec.LastSyncStatus = status
	if watermark != nil && !watermark.IsZero() {
		wm := *watermark
		rec.LastTradeAt = &wm
	}
	rec.UpdatedAt = time.Now()
	m.conns[id] = rec
	return nil
}

func (m *Memory) IncrementAuthFailures(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return 0, fmt.Errorf("connection %d not found", id)
	}
	rec.AuthFailures++
	m.conns[id] = rec
	return rec.AuthFailures, nil
}

func (m *Memory) ResetAuthFailures(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("connection %d not found", id)
	}
	rec.AuthFailures = 0
	m.conns[id] = rec
	return nil
}

func (m *Memory) DisableConnection(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("connection %d not found", id)
	}
	rec.Active = false
	m.conns[id] = rec
	return nil
}

func (m *Memory) CreateSyncRun(_ context.Context, rec store.SyncRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncRuns = append(m.syncRuns, rec)
	return nil
}

func (m *Memory) ListSyncRuns(_ context.Context, broker string, since time.Time) ([]store.SyncRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SyncRunRecord, 0)
	for _, rec := range m.syncRuns {
		if broker != "" && rec.Broker != broker {
			continue
		}
		if !since.IsZero() && !rec.StartedAt.After(since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) UpsertTrades(_ context.Context, trades []store.TradeRecord) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertTradesErr != nil {
		return 0, 0, m.UpsertTradesErr
	}
	imported := 0
	for _, t := range trades {
		key := t.AccountID + "|" + t.ExternalID
		if _, ok := m.trades[key]; ok {
			continue
		}
		m.trades[key] = t
		imported++
	}
	return imported, len(trades) - imported, nil
}

// TradeCount reports how many distinct trades are stored.
func (m *Memory) TradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// SyncRunCount reports how many sync runs were recorded.
func (m *Memory) SyncRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncRuns)
}
