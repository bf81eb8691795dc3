package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisRunRecord is one persisted execution of the daily bias pipeline for
// (user, instrument, date). Stage payloads and source tags are keyed by stage
// name. Immutable once synthesis completes except via forced re-analysis,
// which overwrites through the upsert path with a fresh timestamp.
type AnalysisRunRecord struct {
	ID            int64
	UserID        string
	Instrument    string
	BiasDate      string // YYYY-MM-DD
	StagePayloads map[string]json.RawMessage
	StageSources  map[string]string
	Bias          string // BULLISH | BEARISH | NEUTRAL
	Confidence    float64
	CreatedAt     time.Time
}

// BrokerConnectionRecord is one user's link to one broker.
type BrokerConnectionRecord struct {
	ID             int64
	UserID         string
	Broker         string
	AccountID      string
	Credentials    []byte // encrypted at rest
	OAuth          bool
	TokenExpiresAt *time.Time
	Active         bool
	AuthFailures   int
	LastSyncAt     *time.Time
	LastSyncStatus string
	// Watermark: executed-at of the last successfully committed trade.
	LastTradeAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Sync run statuses.
const (
	SyncStatusSuccess = "SUCCESS"
	SyncStatusPartial = "PARTIAL"
	SyncStatusFailed  = "FAILED"
)

// SyncRunRecord is one sync engine execution against one connection.
// Append-only audit log: never mutated after FinishedAt is set.
type SyncRunRecord struct {
	ID           string
	ConnectionID int64
	Broker       string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string
	Imported     int
	Skipped      int
	ErrorDetail  string
}

// TradeRecord is a broker-originated execution. The only write path is upsert
// keyed by (account_id, external_id), which makes re-syncs idempotent.
type TradeRecord struct {
	AccountID  string
	ExternalID string
	Broker     string
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fees       decimal.Decimal
	ExecutedAt time.Time
}

// Store is the persistence surface the pipeline and the sync engine need.
type Store interface {
	// Analysis runs.
	UpsertAnalysisRun(ctx context.Context, rec AnalysisRunRecord) (AnalysisRunRecord, error)
	GetAnalysisRun(ctx context.Context, userID, instrument, biasDate string) (AnalysisRunRecord, bool, error)
	ListAnalysisRuns(ctx context.Context, instrument string, limit int) ([]AnalysisRunRecord, error)
	HasNewerAnalysisRun(ctx context.Context, instrument string, since time.Time) (bool, error)

	// Broker connections.
	CreateConnection(ctx context.Context, rec BrokerConnectionRecord) (int64, error)
	GetConnection(ctx context.Context, id int64) (BrokerConnectionRecord, bool, error)
	FindActiveConnection(ctx context.Context, userID, broker string) (BrokerConnectionRecord, bool, error)
	ListActiveConnections(ctx context.Context) ([]BrokerConnectionRecord, error)
	UpdateConnectionCredentials(ctx context.Context, id int64, credentials []byte, expiresAt *time.Time) error
	RecordSyncOutcome(ctx context.Context, id int64, status string, at time.Time, watermark *time.Time) error
	IncrementAuthFailures(ctx context.Context, id int64) (int, error)
	ResetAuthFailures(ctx context.Context, id int64) error
	DisableConnection(ctx context.Context, id int64) error

	// Sync runs (append-only).
	CreateSyncRun(ctx context.Context, rec SyncRunRecord) error
	ListSyncRuns(ctx context.Context, broker string, since time.Time) ([]SyncRunRecord, error)

	// Trades. Returns how many rows were newly inserted and how many were
	// duplicates skipped by the conflict target.
	UpsertTrades(ctx context.Context, trades []TradeRecord) (imported, skipped int, err error)
}
