package model

import (
	"gorm.io/datatypes"
)

type AnalysisRunModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	UserID        string         `gorm:"column:user_id;uniqueIndex:idx_analysis_run,priority:1"`
	Instrument    string         `gorm:"column:instrument;uniqueIndex:idx_analysis_run,priority:2"`
	BiasDate      string         `gorm:"column:bias_date;uniqueIndex:idx_analysis_run,priority:3"`
	PayloadsJSON  datatypes.JSON `gorm:"column:payloads_json;type:TEXT"`
	SourcesJSON   datatypes.JSON `gorm:"column:sources_json;type:TEXT"`
	Bias          string         `gorm:"column:bias"`
	Confidence    float64        `gorm:"column:confidence"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (AnalysisRunModel) TableName() string { return "analysis_runs" }

type BrokerConnectionModel struct {
	ID              int64  `gorm:"column:id;primaryKey"`
	UserID          string `gorm:"column:user_id;index:idx_conn_user_broker,priority:1"`
	Broker          string `gorm:"column:broker;index:idx_conn_user_broker,priority:2"`
	AccountID       string `gorm:"column:account_id"`
	CredentialsBlob []byte `gorm:"column:credentials_blob;type:BLOB"`
	OAuth           int    `gorm:"column:oauth"`
	TokenExpiresAt  *int64 `gorm:"column:token_expires_at"`
	Active          int    `gorm:"column:active;index"`
	AuthFailures    int    `gorm:"column:auth_failures"`
	LastSyncUnix    *int64 `gorm:"column:last_sync_at"`
	LastSyncStatus  string `gorm:"column:last_sync_status"`
	LastTradeUnix   *int64 `gorm:"column:last_trade_at"`
	CreatedAtUnix   int64  `gorm:"column:created_at"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at"`
}

func (BrokerConnectionModel) TableName() string { return "broker_connections" }

type SyncRunModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	RunID          string `gorm:"column:run_uuid;uniqueIndex"`
	ConnectionID   int64  `gorm:"column:connection_id;index"`
	Broker         string `gorm:"column:broker;index"`
	StartedAtUnix  int64  `gorm:"column:started_at;index"`
	FinishedAtUnix int64  `gorm:"column:finished_at"`
	Status         string `gorm:"column:status"`
	Imported       int    `gorm:"column:imported"`
	Skipped        int    `gorm:"column:skipped"`
	ErrorDetail    string `gorm:"column:error_detail"`
}

func (SyncRunModel) TableName() string { return "sync_runs" }

type TradeModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	AccountID      string `gorm:"column:account_id;uniqueIndex:idx_trade_dedup,priority:1"`
	ExternalID     string `gorm:"column:external_id;uniqueIndex:idx_trade_dedup,priority:2"`
	Broker         string `gorm:"column:broker;index"`
	Symbol         string `gorm:"column:symbol;index"`
	Side           string `gorm:"column:side"`
	Quantity       string `gorm:"column:quantity"`
	Price          string `gorm:"column:price"`
	Fees           string `gorm:"column:fees"`
	ExecutedAtUnix int64  `gorm:"column:executed_at;index"`
	CreatedAtUnix  int64  `gorm:"column:created_at"`
}

func (TradeModel) TableName() string { return "trades" }
