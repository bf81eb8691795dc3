package transporthttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tradevane/internal/broker"
	"tradevane/internal/broker/syncengine"
	"tradevane/internal/logger"
	"tradevane/internal/store"
)

const oauthStateTTL = 10 * time.Minute

type oauthState struct {
	UserID string `json:"user_id"`
	Broker string `json:"broker"`
}

func oauthStateKey(state string) string { return "oauthstate:" + state }

// handleBrokerAuthorize starts the OAuth consent flow. The state nonce lives
// in the cache for ten minutes; the callback consumes it exactly once.
func (r *Router) handleBrokerAuthorize(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "user_id is required"})
		return
	}
	brokerType, err := broker.ParseType(c.Param("broker"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	adapter, ok := r.Registry.Get(brokerType)
	if !ok {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "broker not configured: " + string(brokerType)})
		return
	}
	if !adapter.OAuth() {
		c.JSON(http.StatusBadRequest, apiError{Code: "NOT_SUPPORTED", Message: string(brokerType) + " uses API-key connect, not OAuth"})
		return
	}

	state := uuid.NewString()
	ok, err = r.Cache.SetNX(c.Request.Context(), oauthStateKey(state), oauthState{UserID: userID, Broker: string(brokerType)}, oauthStateTTL)
	if err != nil || !ok {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorize_url": adapter.AuthorizeURL(state), "state": state})
}

// handleBrokerCallback finishes the OAuth flow: validate state, exchange the
// code, pick the primary account, encrypt and persist the tokens.
func (r *Router) handleBrokerCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "code and state are required"})
		return
	}

	ctx := c.Request.Context()
	var pending oauthState
	if err := r.Cache.Get(ctx, oauthStateKey(state), &pending); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "INVALID_STATE", Message: "unknown or expired state"})
		return
	}
	// One-shot: a replayed callback must not mint a second connection.
	if err := r.Cache.Delete(ctx, oauthStateKey(state)); err != nil {
		logger.Warnf("broker callback: state delete failed: %v", err)
	}

	adapter, ok := r.Registry.Get(broker.Type(pending.Broker))
	if !ok {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "broker not configured: " + pending.Broker})
		return
	}

	creds, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		respondError(c, err)
		return
	}
	accounts, err := adapter.FetchAccounts(ctx, creds)
	if err != nil {
		respondError(c, err)
		return
	}
	accountID := ""
	if len(accounts) > 0 {
		accountID = accounts[0].ID
	}

	id, err := r.createConnection(c, pending.UserID, pending.Broker, accountID, creds, true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": id, "broker": pending.Broker, "account_id": accountID})
}

type connectRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	AccountID string `json:"account_id"`
}

// handleBrokerConnect creates a connection for API-key brokers (tradier).
func (r *Router) handleBrokerConnect(c *gin.Context) {
	brokerType, err := broker.ParseType(c.Param("broker"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	adapter, ok := r.Registry.Get(brokerType)
	if !ok {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "broker not configured: " + string(brokerType)})
		return
	}
	if adapter.OAuth() {
		c.JSON(http.StatusBadRequest, apiError{Code: "NOT_SUPPORTED", Message: string(brokerType) + " uses the OAuth authorize flow"})
		return
	}
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	creds := broker.Credentials{APIKey: req.APIKey}
	accountID := req.AccountID
	if accountID == "" {
		accounts, err := adapter.FetchAccounts(ctx, creds)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(accounts) > 0 {
			accountID = accounts[0].ID
		}
	}

	id, err := r.createConnection(c, req.UserID, string(brokerType), accountID, creds, false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": id, "broker": string(brokerType), "account_id": accountID})
}

// createConnection seals the credentials and persists a new active
// connection. At most one active connection per (user, broker): an existing
// one is disabled first so the fresh credentials win.
func (r *Router) createConnection(c *gin.Context, userID, brokerName, accountID string, creds broker.Credentials, oauth bool) (int64, error) {
	ctx := c.Request.Context()
	if existing, found, err := r.Store.FindActiveConnection(ctx, userID, brokerName); err != nil {
		return 0, err
	} else if found {
		logger.Infof("broker connect: replacing active %s connection %d for user %s", brokerName, existing.ID, userID)
		if err := r.Store.DisableConnection(ctx, existing.ID); err != nil {
			return 0, err
		}
	}

	blob, err := syncengine.EncryptCredentials(r.Box, creds)
	if err != nil {
		return 0, err
	}
	rec := store.BrokerConnectionRecord{
		UserID:      userID,
		Broker:      brokerName,
		AccountID:   accountID,
		Credentials: blob,
		OAuth:       oauth,
		Active:      true,
	}
	if !creds.ExpiresAt.IsZero() {
		ts := creds.ExpiresAt
		rec.TokenExpiresAt = &ts
	}
	return r.Store.CreateConnection(ctx, rec)
}

type connectionView struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	Broker         string     `json:"broker"`
	AccountID      string     `json:"account_id"`
	OAuth          bool       `json:"oauth"`
	Active         bool       `json:"active"`
	AuthFailures   int        `json:"auth_failures"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
	LastTradeAt    *time.Time `json:"last_trade_at,omitempty"`
}

func (r *Router) handleListConnections(c *gin.Context) {
	conns, err := r.Store.ListActiveConnections(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	userID := strings.TrimSpace(c.Query("user_id"))
	out := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		if userID != "" && conn.UserID != userID {
			continue
		}
		// Credentials never leave the store layer.
		out = append(out, connectionView{
			ID:             conn.ID,
			UserID:         conn.UserID,
			Broker:         conn.Broker,
			AccountID:      conn.AccountID,
			OAuth:          conn.OAuth,
			Active:         conn.Active,
			AuthFailures:   conn.AuthFailures,
			TokenExpiresAt: conn.TokenExpiresAt,
			LastSyncAt:     conn.LastSyncAt,
			LastSyncStatus: conn.LastSyncStatus,
			LastTradeAt:    conn.LastTradeAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (r *Router) handleDisconnect(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "invalid connection id"})
		return
	}
	ctx := c.Request.Context()
	if _, found, err := r.Store.GetConnection(ctx, id); err != nil {
		respondError(c, err)
		return
	} else if !found {
		c.JSON(http.StatusNotFound, apiError{Code: "NOT_FOUND", Message: "connection not found"})
		return
	}
	if err := r.Store.DisableConnection(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": id})
}

// handleBrokerMetrics reports sync health, for all configured brokers or a
// single one via ?brokerType=. ?since= (RFC3339) overrides the default
// lookback window.
func (r *Router) handleBrokerMetrics(c *gin.Context) {
	since := time.Time{}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "since must be RFC3339"})
			return
		}
		since = ts
	}

	if raw := strings.TrimSpace(c.Query("brokerType")); raw != "" {
		brokerType, err := broker.ParseType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: err.Error()})
			return
		}
		metrics, err := r.Monitor.CalculateBrokerMetrics(c.Request.Context(), string(brokerType), since)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, metrics)
		return
	}

	brokers := make([]string, 0, 3)
	for _, t := range r.Registry.Types() {
		brokers = append(brokers, string(t))
	}
	metrics, err := r.Monitor.AllBrokerHealth(c.Request.Context(), brokers, since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"brokers": metrics})
}
