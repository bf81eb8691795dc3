package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tradevane/internal/store"
	storemodel "tradevane/internal/store/model"
)

type analysisRunModel = storemodel.AnalysisRunModel
type brokerConnectionModel = storemodel.BrokerConnectionModel
type syncRunModel = storemodel.SyncRunModel
type tradeModel = storemodel.TradeModel

// GormStore implements store.Store on Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&analysisRunModel{},
		&brokerConnectionModel{},
		&syncRunModel{},
		&tradeModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already-open gorm connection. Used by tests with
// an in-memory database.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store: db is nil")
	}
	if err := db.AutoMigrate(&analysisRunModel{}, &brokerConnectionModel{}, &syncRunModel{}, &tradeModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	return s.db.DB()
}

// --------------------- Analysis Runs -------------------------

func (s *GormStore) UpsertAnalysisRun(ctx context.Context, rec store.AnalysisRunRecord) (store.AnalysisRunRecord, error) {
	if s == nil || s.db == nil {
		return store.AnalysisRunRecord{}, fmt.Errorf("gorm store not initialized")
	}
	if rec.UserID == "" || rec.Instrument == "" || rec.BiasDate == "" {
		return store.AnalysisRunRecord{}, fmt.Errorf("analysis run requires user_id, instrument and bias_date")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m := newAnalysisRunModel(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "instrument"}, {Name: "bias_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"payloads_json", "sources_json", "bias", "confidence", "created_at",
			}),
		}).
		Create(&m).Error
	if err != nil {
		return store.AnalysisRunRecord{}, err
	}
	return analysisRunModelToRecord(m), nil
}

func (s *GormStore) GetAnalysisRun(ctx context.Context, userID, instrument, biasDate string) (store.AnalysisRunRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.AnalysisRunRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m analysisRunModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND instrument = ? AND bias_date = ?", userID, instrument, biasDate).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.AnalysisRunRecord{}, false, nil
		}
		return store.AnalysisRunRecord{}, false, err
	}
	return analysisRunModelToRecord(m), true, nil
}

func (s *GormStore) ListAnalysisRuns(ctx context.Context, instrument string, limit int) ([]store.AnalysisRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 30
	}
	var models []analysisRunModel
	query := s.db.WithContext(ctx).Model(&analysisRunModel{})
	if instrument != "" {
		query = query.Where("instrument = ?", instrument)
	}
	if err := query.
		Order("bias_date DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.AnalysisRunRecord, 0, len(models))
	for _, m := range models {
		out = append(out, analysisRunModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) HasNewerAnalysisRun(ctx context.Context, instrument string, since time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store not initialized")
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&analysisRunModel{}).
		Where("instrument = ? AND created_at > ?", instrument, since.Unix()).
		Count(&total).Error
	if err != nil {
		return false, err
	}
	return total > 0, nil
}

// --------------------- Broker Connections -------------------------

func (s *GormStore) CreateConnection(ctx context.Context, rec store.BrokerConnectionRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store not initialized")
	}
	if rec.UserID == "" || rec.Broker == "" {
		return 0, fmt.Errorf("connection requires user_id and broker")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m := newBrokerConnectionModel(rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *GormStore) GetConnection(ctx context.Context, id int64) (store.BrokerConnectionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.BrokerConnectionRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m brokerConnectionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.BrokerConnectionRecord{}, false, nil
		}
		return store.BrokerConnectionRecord{}, false, err
	}
	return brokerConnectionModelToRecord(m), true, nil
}

func (s *GormStore) FindActiveConnection(ctx context.Context, userID, broker string) (store.BrokerConnectionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.BrokerConnectionRecord{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m brokerConnectionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND broker = ? AND active = 1", userID, broker).
		Order("id DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.BrokerConnectionRecord{}, false, nil
		}
		return store.BrokerConnectionRecord{}, false, err
	}
	return brokerConnectionModelToRecord(m), true, nil
}

func (s *GormStore) ListActiveConnections(ctx context.Context) ([]store.BrokerConnectionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []brokerConnectionModel
	if err := s.db.WithContext(ctx).
		Where("active = 1").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.BrokerConnectionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, brokerConnectionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) UpdateConnectionCredentials(ctx context.Context, id int64, credentials []byte, expiresAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	payload := map[string]interface{}{
		"credentials_blob": credentials,
		"token_expires_at": timeToUnixPtr(expiresAt),
		"updated_at":       time.Now().Unix(),
	}
	res := s.db.WithContext(ctx).Model(&brokerConnectionModel{}).
		Where("id = ?", id).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordSyncOutcome updates the connection's last-sync bookkeeping. A nil
// watermark leaves the existing watermark untouched: the watermark only
// advances through trades that were actually committed.
func (s *GormStore) RecordSyncOutcome(ctx context.Context, id int64, status string, at time.Time, watermark *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	payload := map[string]interface{}{
		"last_sync_at":     at.Unix(),
		"last_sync_status": status,
		"updated_at":       time.Now().Unix(),
	}
	if watermark != nil && !watermark.IsZero() {
		payload["last_trade_at"] = watermark.Unix()
	}
	res := s.db.WithContext(ctx).Model(&brokerConnectionModel{}).
		Where("id = ?", id).
		Updates(payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) IncrementAuthFailures(ctx context.Context, id int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&brokerConnectionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"auth_failures": gorm.Expr("auth_failures + 1"),
			"updated_at":    time.Now().Unix(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	var m brokerConnectionModel
	if err := s.db.WithContext(ctx).Select("auth_failures").Where("id = ?", id).First(&m).Error; err != nil {
		return 0, err
	}
	return m.AuthFailures, nil
}

func (s *GormStore) ResetAuthFailures(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Model(&brokerConnectionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"auth_failures": 0,
			"updated_at":    time.Now().Unix(),
		}).Error
}

func (s *GormStore) DisableConnection(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&brokerConnectionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":     0,
			"updated_at": time.Now().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --------------------- Sync Runs -------------------------

func (s *GormStore) CreateSyncRun(ctx context.Context, rec store.SyncRunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	m := syncRunModel{
		RunID:          strings.TrimSpace(rec.ID),
		ConnectionID:   rec.ConnectionID,
		Broker:         rec.Broker,
		StartedAtUnix:  rec.StartedAt.Unix(),
		FinishedAtUnix: rec.FinishedAt.Unix(),
		Status:         rec.Status,
		Imported:       rec.Imported,
		Skipped:        rec.Skipped,
		ErrorDetail:    rec.ErrorDetail,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) ListSyncRuns(ctx context.Context, broker string, since time.Time) ([]store.SyncRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&syncRunModel{})
	if broker != "" {
		query = query.Where("broker = ?", broker)
	}
	if !since.IsZero() {
		query = query.Where("started_at > ?", since.Unix())
	}
	var models []syncRunModel
	if err := query.Order("started_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.SyncRunRecord, 0, len(models))
	for _, m := range models {
		out = append(out, store.SyncRunRecord{
			ID:           m.RunID,
			ConnectionID: m.ConnectionID,
			Broker:       m.Broker,
			StartedAt:    time.Unix(m.StartedAtUnix, 0),
			FinishedAt:   time.Unix(m.FinishedAtUnix, 0),
			Status:       m.Status,
			Imported:     m.Imported,
			Skipped:      m.Skipped,
			ErrorDetail:  m.ErrorDetail,
		})
	}
	return out, nil
}

// --------------------- Trades -------------------------

// UpsertTrades inserts trades with DO NOTHING on the (account_id, external_id)
// conflict target. RowsAffected counts only the fresh inserts, so the skipped
// count falls out for free.
func (s *GormStore) UpsertTrades(ctx context.Context, trades []store.TradeRecord) (int, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("gorm store not initialized")
	}
	if len(trades) == 0 {
		return 0, 0, nil
	}
	now := time.Now()
	models := make([]tradeModel, 0, len(trades))
	for _, t := range trades {
		if t.AccountID == "" || t.ExternalID == "" {
			return 0, 0, fmt.Errorf("trade requires account_id and external_id")
		}
		models = append(models, tradeModel{
			AccountID:      t.AccountID,
			ExternalID:     t.ExternalID,
			Broker:         t.Broker,
			Symbol:         strings.ToUpper(strings.TrimSpace(t.Symbol)),
			Side:           strings.ToLower(strings.TrimSpace(t.Side)),
			Quantity:       t.Quantity.String(),
			Price:          t.Price.String(),
			Fees:           t.Fees.String(),
			ExecutedAtUnix: t.ExecutedAt.Unix(),
			CreatedAtUnix:  now.Unix(),
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&models)
	if res.Error != nil {
		return 0, 0, res.Error
	}
	imported := int(res.RowsAffected)
	return imported, len(trades) - imported, nil
}

// --------------------------- Model Helpers ------------------------------

func newAnalysisRunModel(rec store.AnalysisRunRecord) analysisRunModel {
	payloads, _ := json.Marshal(rec.StagePayloads)
	sources, _ := json.Marshal(rec.StageSources)
	return analysisRunModel{
		ID:            rec.ID,
		UserID:        rec.UserID,
		Instrument:    strings.ToUpper(strings.TrimSpace(rec.Instrument)),
		BiasDate:      rec.BiasDate,
		PayloadsJSON:  datatypes.JSON(payloads),
		SourcesJSON:   datatypes.JSON(sources),
		Bias:          rec.Bias,
		Confidence:    rec.Confidence,
		CreatedAtUnix: rec.CreatedAt.Unix(),
	}
}

func analysisRunModelToRecord(m analysisRunModel) store.AnalysisRunRecord {
	rec := store.AnalysisRunRecord{
		ID:         m.ID,
		UserID:     m.UserID,
		Instrument: m.Instrument,
		BiasDate:   m.BiasDate,
		Bias:       m.Bias,
		Confidence: m.Confidence,
		CreatedAt:  time.Unix(m.CreatedAtUnix, 0),
	}
	if len(m.PayloadsJSON) > 0 {
		_ = json.Unmarshal(m.PayloadsJSON, &rec.StagePayloads)
	}
	if len(m.SourcesJSON) > 0 {
		_ = json.Unmarshal(m.SourcesJSON, &rec.StageSources)
	}
	return rec
}

func newBrokerConnectionModel(rec store.BrokerConnectionRecord) brokerConnectionModel {
	return brokerConnectionModel{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Broker:          rec.Broker,
		AccountID:       rec.AccountID,
		CredentialsBlob: rec.Credentials,
		OAuth:           boolToInt(rec.OAuth),
		TokenExpiresAt:  timeToUnixPtr(rec.TokenExpiresAt),
		Active:          boolToInt(rec.Active),
		AuthFailures:    rec.AuthFailures,
		LastSyncUnix:    timeToUnixPtr(rec.LastSyncAt),
		LastSyncStatus:  rec.LastSyncStatus,
		LastTradeUnix:   timeToUnixPtr(rec.LastTradeAt),
		CreatedAtUnix:   rec.CreatedAt.Unix(),
		UpdatedAtUnix:   rec.UpdatedAt.Unix(),
	}
}

func brokerConnectionModelToRecord(m brokerConnectionModel) store.BrokerConnectionRecord {
	return store.BrokerConnectionRecord{
		ID:             m.ID,
		UserID:         m.UserID,
		Broker:         m.Broker,
		AccountID:      m.AccountID,
		Credentials:    m.CredentialsBlob,
		OAuth:          m.OAuth != 0,
		TokenExpiresAt: unixPtrToTime(m.TokenExpiresAt),
		Active:         m.Active != 0,
		AuthFailures:   m.AuthFailures,
		LastSyncAt:     unixPtrToTime(m.LastSyncUnix),
		LastSyncStatus: m.LastSyncStatus,
		LastTradeAt:    unixPtrToTime(m.LastTradeUnix),
		CreatedAt:      time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:      time.Unix(m.UpdatedAtUnix, 0),
	}
}

// --------------------------- Helper Functions ------------------------------

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeToUnixPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	val := t.Unix()
	return &val
}

func unixPtrToTime(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	ts := time.Unix(*v, 0)
	return &ts
}
