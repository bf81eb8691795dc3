package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradevane/internal/broker"
	"tradevane/internal/broker/syncengine"
	"tradevane/internal/secret"
	"tradevane/internal/store"
	"tradevane/internal/store/storetest"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// sweepAdapter panics for account ids listed in panics and returns no fills
// otherwise, which is enough to drive run statuses.
type sweepAdapter struct {
	typ    broker.Type
	panics map[string]bool
}

func (a *sweepAdapter) Broker() broker.Type        { return a.typ }
func (a *sweepAdapter) OAuth() bool                { return false }
func (a *sweepAdapter) AuthorizeURL(string) string { return "" }

func (a *sweepAdapter) ExchangeCode(context.Context, string) (broker.Credentials, error) {
	return broker.Credentials{}, broker.ErrNotSupported
}

func (a *sweepAdapter) Refresh(context.Context, broker.Credentials) (broker.Credentials, error) {
	return broker.Credentials{}, broker.ErrNotSupported
}

func (a *sweepAdapter) FetchAccounts(context.Context, broker.Credentials) ([]broker.Account, error) {
	return []broker.Account{{ID: "default"}}, nil
}

func (a *sweepAdapter) FetchTrades(_ context.Context, _ broker.Credentials, accountID string, _ time.Time) ([]broker.Execution, error) {
	if a.panics[accountID] {
		panic("adapter blew up")
	}
	return nil, nil
}

func seedConn(t *testing.T, db *storetest.Memory, box *secret.Box, accountID string, lastSync *time.Time) int64 {
	t.Helper()
	blob, err := syncengine.EncryptCredentials(box, broker.Credentials{APIKey: "k"})
	require.NoError(t, err)
	id, err := db.CreateConnection(context.Background(), store.BrokerConnectionRecord{
		UserID:      "u1",
		Broker:      string(broker.TypeTradier),
		AccountID:   accountID,
		Credentials: blob,
		Active:      true,
		LastSyncAt:  lastSync,
	})
	require.NoError(t, err)
	return id
}

func newTestScheduler(t *testing.T, db *storetest.Memory, adapter broker.Adapter) (*Scheduler, *secret.Box) {
	t.Helper()
	box, err := secret.NewBox(testKeyHex)
	require.NoError(t, err)
	engine := syncengine.New(db, broker.NewRegistry(adapter), box, 3, 0)
	return New(db, engine, map[string]time.Duration{string(broker.TypeTradier): 15 * time.Minute}, time.Minute, 4), box
}

func TestSweepSyncsAllDueConnections(t *testing.T) {
	db := storetest.NewMemory()
	adapter := &sweepAdapter{typ: broker.TypeTradier}
	s, box := newTestScheduler(t, db, adapter)
	for i := 0; i < 3; i++ {
		seedConn(t, db, box, "acc", nil)
	}

	summary := s.RunScheduledSync(context.Background())
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 3, db.SyncRunCount())
}

func TestSweepIsolatesFailingConnection(t *testing.T) {
	db := storetest.NewMemory()
	adapter := &sweepAdapter{typ: broker.TypeTradier, panics: map[string]bool{"bad": true}}
	s, box := newTestScheduler(t, db, adapter)
	seedConn(t, db, box, "good-1", nil)
	seedConn(t, db, box, "bad", nil)
	seedConn(t, db, box, "good-2", nil)

	summary := s.RunScheduledSync(context.Background())
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed, "engine converts the panic to a FAILED run")
	assert.Equal(t, 3, db.SyncRunCount())
}

func TestSweepSkipsConnectionsNotYetDue(t *testing.T) {
	db := storetest.NewMemory()
	adapter := &sweepAdapter{typ: broker.TypeTradier}
	s, box := newTestScheduler(t, db, adapter)

	now := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }

	fresh := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)
	seedConn(t, db, box, "fresh", &fresh)
	seedConn(t, db, box, "stale", &stale)
	seedConn(t, db, box, "never", nil)

	summary := s.RunScheduledSync(context.Background())
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestSweepIgnoresDisabledConnections(t *testing.T) {
	db := storetest.NewMemory()
	adapter := &sweepAdapter{typ: broker.TypeTradier}
	s, box := newTestScheduler(t, db, adapter)
	id := seedConn(t, db, box, "acc", nil)
	require.NoError(t, db.DisableConnection(context.Background(), id))

	summary := s.RunScheduledSync(context.Background())
	assert.Zero(t, summary.Processed)
	assert.Zero(t, db.SyncRunCount())
}

func TestIsDueDefaultInterval(t *testing.T) {
	s := &Scheduler{Intervals: map[string]time.Duration{}}
	now := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	recent := now.Add(-10 * time.Minute)
	old := now.Add(-20 * time.Minute)
	assert.False(t, s.isDue(store.BrokerConnectionRecord{Broker: "x", LastSyncAt: &recent}, now))
	assert.True(t, s.isDue(store.BrokerConnectionRecord{Broker: "x", LastSyncAt: &old}, now))
	assert.True(t, s.isDue(store.BrokerConnectionRecord{Broker: "x"}, now))
}

func TestStatusReportsLastRun(t *testing.T) {
	db := storetest.NewMemory()
	adapter := &sweepAdapter{typ: broker.TypeTradier}
	s, box := newTestScheduler(t, db, adapter)
	seedConn(t, db, box, "acc", nil)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastRun)

	s.RunScheduledSync(context.Background())
	st = s.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, 1, st.LastRun.Processed)
	assert.Equal(t, "1m0s", st.Interval)
}
