package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradevane/internal/broker"
	"tradevane/internal/logger"
	"tradevane/internal/secret"
	"tradevane/internal/store"
)

// Engine runs one full sync for one broker connection: decrypt credentials,
// refresh near-expiry tokens, pull trades past the watermark, commit the
// batch, advance the watermark. Every attempt leaves exactly one SyncRun row
// behind, whatever happened, and never lets a panic escape.
type Engine struct {
	Store    store.Store
	Registry *broker.Registry
	Box      *secret.Box

	// Consecutive auth failures before a connection is auto-disabled.
	MaxAuthFailures int
	// Transient fetch retries within one sync attempt.
	FetchRetries int
	// Tokens expiring within this margin are refreshed before use.
	RefreshMargin time.Duration

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, reg *broker.Registry, box *secret.Box, maxAuthFailures, fetchRetries int) *Engine {
	if maxAuthFailures <= 0 {
		maxAuthFailures = 3
	}
	if fetchRetries < 0 {
		fetchRetries = 2
	}
	return &Engine{
		Store:           st,
		Registry:        reg,
		Box:             box,
		MaxAuthFailures: maxAuthFailures,
		FetchRetries:    fetchRetries,
		RefreshMargin:   5 * time.Minute,
		nowFn:           time.Now,
		sleepFn:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type syncOutcome struct {
	imported  int
	skipped   int
	watermark *time.Time
	authFail  bool
	partial   bool
	err       error
}

// SyncConnection executes one sync and returns the persisted run record.
func (e *Engine) SyncConnection(ctx context.Context, conn store.BrokerConnectionRecord) store.SyncRunRecord {
	started := e.nowFn()
	outcome := e.runProtected(ctx, conn)

	status := store.SyncStatusSuccess
	detail := ""
	switch {
	case outcome.err != nil:
		status = store.SyncStatusFailed
		detail = outcome.err.Error()
	case outcome.partial:
		status = store.SyncStatusPartial
	}

	run := store.SyncRunRecord{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		Broker:       conn.Broker,
		StartedAt:    started,
		FinishedAt:   e.nowFn(),
		Status:       status,
		Imported:     outcome.imported,
		Skipped:      outcome.skipped,
		ErrorDetail:  detail,
	}
	if err := e.Store.CreateSyncRun(ctx, run); err != nil {
		logger.Errorf("sync %s conn=%d: persist sync run: %v", conn.Broker, conn.ID, err)
	}
	if err := e.Store.RecordSyncOutcome(ctx, conn.ID, status, run.FinishedAt, outcome.watermark); err != nil {
		logger.Errorf("sync %s conn=%d: record outcome: %v", conn.Broker, conn.ID, err)
	}

	e.settleAuthState(ctx, conn, outcome)
	return run
}

// runProtected wraps the sync body so a panicking adapter turns into a
// FAILED run instead of taking the scheduler down.
func (e *Engine) runProtected(ctx context.Context, conn store.BrokerConnectionRecord) (out syncOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("sync %s conn=%d: panic recovered: %v", conn.Broker, conn.ID, r)
			out = syncOutcome{err: fmt.Errorf("sync panicked: %v", r)}
		}
	}()
	return e.run(ctx, conn)
}

func (e *Engine) run(ctx context.Context, conn store.BrokerConnectionRecord) syncOutcome {
	adapter, ok := e.Registry.Get(broker.Type(conn.Broker))
	if !ok {
		return syncOutcome{err: fmt.Errorf("no adapter registered for broker %q", conn.Broker)}
	}

	creds, err := e.decrypt(conn.Credentials)
	if err != nil {
		return syncOutcome{err: fmt.Errorf("decrypt credentials: %w", err), authFail: true}
	}

	if conn.OAuth && creds.NearExpiry(e.nowFn(), e.RefreshMargin) {
		creds, err = e.refreshCredentials(ctx, conn, adapter, creds)
		if err != nil {
			return syncOutcome{err: err, authFail: errors.Is(err, broker.ErrAuthExpired)}
		}
	}

	accounts, err := e.resolveAccounts(ctx, conn, adapter, creds)
	if err != nil {
		return syncOutcome{err: err, authFail: errors.Is(err, broker.ErrAuthExpired)}
	}

	since := time.Time{}
	if conn.LastTradeAt != nil {
		since = *conn.LastTradeAt
	}

	out := syncOutcome{}
	failedAccounts := 0
	var firstErr error
	for _, acc := range accounts {
		execs, err := e.fetchWithRetry(ctx, adapter, creds, acc.ID, since)
		if err != nil {
			if errors.Is(err, broker.ErrAuthExpired) {
				out.authFail = true
				out.err = err
				return out
			}
			logger.Warnf("sync %s conn=%d account=%s: fetch failed: %v", conn.Broker, conn.ID, acc.ID, err)
			failedAccounts++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		imported, skipped, err := e.commit(ctx, conn, execs)
		if err != nil {
			failedAccounts++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.imported += imported
		out.skipped += skipped
		// Watermark only advances through the committed batch.
		for _, ex := range execs {
			if out.watermark == nil || ex.ExecutedAt.After(*out.watermark) {
				ts := ex.ExecutedAt
				out.watermark = &ts
			}
		}
	}

	switch {
	case failedAccounts == len(accounts) && len(accounts) > 0:
		out.err = firstErr
	case failedAccounts > 0:
		out.partial = true
		// A failed account may still hold fills older than the committed
		// max; advancing past them would skip them forever. Holding the
		// watermark makes the next sweep re-fetch the overlap, and the
		// dedup upsert absorbs the already-committed fills.
		out.watermark = nil
	}
	return out
}

func (e *Engine) decrypt(blob []byte) (broker.Credentials, error) {
	plain, err := e.Box.Open(blob)
	if err != nil {
		return broker.Credentials{}, err
	}
	var creds broker.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return broker.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// EncryptCredentials seals a credential set for storage. Exposed for the
// OAuth callback and connection-creation paths.
func EncryptCredentials(box *secret.Box, creds broker.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	return box.Seal(plain)
}

func (e *Engine) refreshCredentials(ctx context.Context, conn store.BrokerConnectionRecord, adapter broker.Adapter, creds broker.Credentials) (broker.Credentials, error) {
	next, err := adapter.Refresh(ctx, creds)
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("token refresh: %w", err)
	}
	blob, err := EncryptCredentials(e.Box, next)
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("seal refreshed credentials: %w", err)
	}
	var expiresAt *time.Time
	if !next.ExpiresAt.IsZero() {
		ts := next.ExpiresAt
		expiresAt = &ts
	}
	if err := e.Store.UpdateConnectionCredentials(ctx, conn.ID, blob, expiresAt); err != nil {
		return broker.Credentials{}, fmt.Errorf("persist refreshed credentials: %w", err)
	}
	logger.Infof("sync %s conn=%d: access token refreshed", conn.Broker, conn.ID)
	return next, nil
}

func (e *Engine) resolveAccounts(ctx context.Context, conn store.BrokerConnectionRecord, adapter broker.Adapter, creds broker.Credentials) ([]broker.Account, error) {
	if conn.AccountID != "" {
		return []broker.Account{{ID: conn.AccountID}}, nil
	}
	accounts, err := adapter.FetchAccounts(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("broker returned no accounts")
	}
	return accounts, nil
}

func (e *Engine) fetchWithRetry(ctx context.Context, adapter broker.Adapter, creds broker.Credentials, accountID string, since time.Time) ([]broker.Execution, error) {
	var lastErr error
	for attempt := 0; attempt <= e.FetchRetries; attempt++ {
		if attempt > 0 {
			backoff := (500 * time.Millisecond) << uint(attempt-1)
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
			if err := e.sleepFn(ctx, backoff); err != nil {
				return nil, err
			}
		}
		execs, err := adapter.FetchTrades(ctx, creds, accountID, since)
		if err == nil {
			return execs, nil
		}
		if errors.Is(err, broker.ErrAuthExpired) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) commit(ctx context.Context, conn store.BrokerConnectionRecord, execs []broker.Execution) (int, int, error) {
	if len(execs) == 0 {
		return 0, 0, nil
	}
	trades := make([]store.TradeRecord, 0, len(execs))
	for _, ex := range execs {
		trades = append(trades, store.TradeRecord{
			AccountID:  ex.AccountID,
			ExternalID: ex.ExternalID,
			Broker:     conn.Broker,
			Symbol:     ex.Symbol,
			Side:       ex.Side,
			Quantity:   ex.Quantity,
			Price:      ex.Price,
			Fees:       ex.Fees,
			ExecutedAt: ex.ExecutedAt,
		})
	}
	imported, skipped, err := e.Store.UpsertTrades(ctx, trades)
	if err != nil {
		logger.Errorf("sync %s conn=%d: trade upsert failed: %v", conn.Broker, conn.ID, err)
		return 0, 0, fmt.Errorf("trade upsert: %w", err)
	}
	return imported, skipped, nil
}

// settleAuthState updates the auth-failure counter after a run. Auth errors
// accumulate toward auto-disable; any successful run clears the streak.
func (e *Engine) settleAuthState(ctx context.Context, conn store.BrokerConnectionRecord, out syncOutcome) {
	if out.authFail {
		count, err := e.Store.IncrementAuthFailures(ctx, conn.ID)
		if err != nil {
			logger.Errorf("sync %s conn=%d: bump auth failures: %v", conn.Broker, conn.ID, err)
			return
		}
		if count >= e.MaxAuthFailures {
			if err := e.Store.DisableConnection(ctx, conn.ID); err != nil {
				logger.Errorf("sync %s conn=%d: auto-disable: %v", conn.Broker, conn.ID, err)
				return
			}
			logger.Warnf("sync %s conn=%d: disabled after %d consecutive auth failures", conn.Broker, conn.ID, count)
		}
		return
	}
	if out.err == nil && conn.AuthFailures > 0 {
		if err := e.Store.ResetAuthFailures(ctx, conn.ID); err != nil {
			logger.Warnf("sync %s conn=%d: reset auth failures: %v", conn.Broker, conn.ID, err)
		}
	}
}
