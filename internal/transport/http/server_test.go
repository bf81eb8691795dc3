package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tradevane/internal/analysis"
	"tradevane/internal/broker"
	"tradevane/internal/broker/syncengine"
	"tradevane/internal/cache"
	"tradevane/internal/config"
	"tradevane/internal/gateway/marketdata"
	"tradevane/internal/gateway/provider"
	"tradevane/internal/monitor"
	"tradevane/internal/pipeline"
	"tradevane/internal/ratelimit"
	"tradevane/internal/realtime"
	"tradevane/internal/scheduler"
	"tradevane/internal/secret"
	"tradevane/internal/store"
	"tradevane/internal/store/storetest"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeSource struct{}

func (fakeSource) DailyBars(_ context.Context, _ string, limit int) ([]marketdata.Bar, error) {
	bars := make([]marketdata.Bar, limit)
	for i := range bars {
		bars[i] = marketdata.Bar{Open: 100, High: 110, Low: 95, Close: 105, Volume: 500}
	}
	return bars, nil
}

func (f fakeSource) IntradayBars(ctx context.Context, symbol, _ string, limit int) ([]marketdata.Bar, error) {
	return f.DailyBars(ctx, symbol, limit)
}

func (fakeSource) Quotes(_ context.Context, symbols []string) ([]marketdata.Quote, error) {
	out := make([]marketdata.Quote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, marketdata.Quote{Symbol: s, Last: 100, ChangePct: 0.5})
	}
	return out, nil
}

func (fakeSource) EconomicCalendar(context.Context, string) ([]marketdata.EconomicEvent, error) {
	return []marketdata.EconomicEvent{{Name: "FOMC", Country: "US", Impact: "high"}}, nil
}

type stageGateway struct{}

func (stageGateway) Generate(_ context.Context, system, _ string) (string, error) {
	switch {
	case strings.Contains(system, "futures market analyst"):
		return `{"bias_hint":"bullish","summary":"s"}`, nil
	case strings.Contains(system, "macro economist"):
		return `{"risk_level":"low","summary":"m"}`, nil
	case strings.Contains(system, "order-flow"):
		return `{"direction":"up","strength":65,"summary":"f"}`, nil
	case strings.Contains(system, "equity index analyst"):
		return `{"alignment":"bullish","summary":"g"}`, nil
	case strings.Contains(system, "technical analyst"):
		return `{"trend":"bullish","support":100,"resistance":200,"summary":"t"}`, nil
	default:
		return `{"bias":"BULLISH","confidence":75,"key_drivers":["flow"],"summary":"r"}`, nil
	}
}

type openBudget struct{}

func (openBudget) Wait(context.Context, string, ratelimit.Cost) error { return nil }

type okProvider struct{}

func (okProvider) ID() string    { return "stub" }
func (okProvider) Enabled() bool { return true }
func (okProvider) Call(context.Context, string, string) (string, error) {
	return "{}", nil
}

// apiAdapter is a stub API-key broker (tradier shape).
type apiAdapter struct{}

func (apiAdapter) Broker() broker.Type        { return broker.TypeTradier }
func (apiAdapter) OAuth() bool                { return false }
func (apiAdapter) AuthorizeURL(string) string { return "" }

func (apiAdapter) ExchangeCode(context.Context, string) (broker.Credentials, error) {
	return broker.Credentials{}, broker.ErrNotSupported
}

func (apiAdapter) Refresh(context.Context, broker.Credentials) (broker.Credentials, error) {
	return broker.Credentials{}, broker.ErrNotSupported
}

func (apiAdapter) FetchAccounts(context.Context, broker.Credentials) ([]broker.Account, error) {
	return []broker.Account{{ID: "tr-1", Name: "Margin"}}, nil
}

func (apiAdapter) FetchTrades(context.Context, broker.Credentials, string, time.Time) ([]broker.Execution, error) {
	return nil, nil
}

// oauthAdapter is a stub authorization-code broker (tradovate shape).
type oauthAdapter struct{}

func (oauthAdapter) Broker() broker.Type { return broker.TypeTradovate }
func (oauthAdapter) OAuth() bool         { return true }

func (oauthAdapter) AuthorizeURL(state string) string {
	return "https://auth.example.com/oauth?state=" + state
}

func (oauthAdapter) ExchangeCode(_ context.Context, code string) (broker.Credentials, error) {
	if code != "good-code" {
		return broker.Credentials{}, broker.ErrAuthExpired
	}
	return broker.Credentials{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (oauthAdapter) Refresh(context.Context, broker.Credentials) (broker.Credentials, error) {
	return broker.Credentials{}, broker.ErrNotSupported
}

func (oauthAdapter) FetchAccounts(context.Context, broker.Credentials) ([]broker.Account, error) {
	return []broker.Account{{ID: "tv-1", Name: "Futures"}}, nil
}

func (oauthAdapter) FetchTrades(context.Context, broker.Credentials, string, time.Time) ([]broker.Execution, error) {
	return []broker.Execution{{
		ExternalID: "f-1",
		AccountID:  "tv-1",
		Symbol:     "NQH6",
		Side:       "BUY",
		Quantity:   decimal.NewFromInt(1),
		Price:      decimal.NewFromInt(21000),
		ExecutedAt: time.Now(),
	}}, nil
}

type testEnv struct {
	server *Server
	db     *storetest.Memory
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	db := storetest.NewMemory()
	mem := cache.NewMemoryStore()
	box, err := secret.NewBox(testKeyHex)
	require.NoError(t, err)

	cfg := config.AnalysisConfig{
		Instruments:     []string{"NQ1", "ES1"},
		SecurityTTL:     24 * time.Hour,
		MacroTTL:        12 * time.Hour,
		FluxTTL:         15 * time.Minute,
		Mag7TTL:         time.Hour,
		TechnicalTTL:    30 * time.Minute,
		SynthesisTTL:    24 * time.Hour,
		DegradedPenalty: 15,
		FallbackPenalty: 25,
	}
	runner := analysis.NewRunner(cache.NewMemoryStore(), openBudget{}, stageGateway{}, 2)
	services := analysis.NewServices(runner, fakeSource{}, cfg)
	pipe := pipeline.New(services, db, realtime.NewBroker(), cfg.Instruments)

	registry := broker.NewRegistry(apiAdapter{}, oauthAdapter{})
	engine := syncengine.New(db, registry, box, 3, 0)
	sched := scheduler.New(db, engine, nil, time.Minute, 2)

	router := &Router{
		Pipeline:     pipe,
		Scheduler:    sched,
		Monitor:      monitor.New(db, 0.95, 0.80),
		Gateway:      provider.NewGateway([]provider.ModelProvider{okProvider{}}, 3, time.Minute),
		Registry:     registry,
		Store:        db,
		Cache:        mem,
		Box:          box,
		Realtime:     realtime.NewBroker(),
		TriggerToken: "trigger-secret",
	}
	srv, err := NewServer(":0", router)
	require.NoError(t, err)
	return &testEnv{server: srv, db: db}
}

func (e *testEnv) do(method, path string, reqBody any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if reqBody != nil {
		data, _ := json.Marshal(reqBody)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunAnalysisEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/analysis", body{
		"user_id": "u1", "instrument": "NQ1", "date": "2026-01-20",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := rec.Body.Bytes()
	assert.Equal(t, "BULLISH", gjson.GetBytes(body, "bias").String())
	assert.Equal(t, int64(75), gjson.GetBytes(body, "confidence").Int())
	assert.Equal(t, int64(6), int64(len(gjson.GetBytes(body, "stages").Map())))
}

func TestRunAnalysisUnsupportedInstrument(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/analysis", body{"user_id": "u1", "instrument": "DOGE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_INSTRUMENT", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestRunAnalysisMissingFields(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/analysis", body{"instrument": "NQ1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisHistoryAndInstruments(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/analysis", body{
		"user_id": "u1", "instrument": "NQ1", "date": "2026-01-20",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/analysis/NQ1/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.GetBytes(rec.Body.Bytes(), "runs").Array(), 1)

	rec = env.do(http.MethodGet, "/api/analysis/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.GetBytes(rec.Body.Bytes(), "instruments").Array(), 2)
}

func TestAnalysisUpdatedEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/analysis", body{
		"user_id": "u1", "instrument": "NQ1", "date": "2026-01-20",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = env.do(http.MethodGet, "/api/analysis/NQ1/updated?since="+past, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.GetBytes(rec.Body.Bytes(), "updated").Bool())

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = env.do(http.MethodGet, "/api/analysis/NQ1/updated?since="+future, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.GetBytes(rec.Body.Bytes(), "updated").Bool())

	rec = env.do(http.MethodGet, "/api/analysis/NQ1/updated", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/analysis/DOGE/updated?since="+past, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_INSTRUMENT", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestProviderStats(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/api/ai/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	providers := gjson.GetBytes(rec.Body.Bytes(), "providers").Array()
	require.Len(t, providers, 1)
	assert.Equal(t, "stub", providers[0].Get("id").String())
}

func TestBrokerConnectAPIKey(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/broker/tradier/connect", body{
		"user_id": "u1", "api_key": "k-123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tr-1", gjson.GetBytes(rec.Body.Bytes(), "account_id").String())

	// Connecting again replaces the active connection, never duplicates it.
	rec = env.do(http.MethodPost, "/api/broker/tradier/connect", body{
		"user_id": "u1", "api_key": "k-456",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/broker/connections?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conns := gjson.GetBytes(rec.Body.Bytes(), "connections").Array()
	require.Len(t, conns, 1)
	assert.False(t, strings.Contains(rec.Body.String(), "credentials"))
}

func TestBrokerConnectRejectsOAuthBroker(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/broker/tradovate/connect", body{
		"user_id": "u1", "api_key": "k",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NOT_SUPPORTED", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestOAuthFlowEndToEnd(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(http.MethodGet, "/api/broker/tradovate/authorize?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := gjson.GetBytes(rec.Body.Bytes(), "state").String()
	require.NotEmpty(t, state)
	assert.Contains(t, gjson.GetBytes(rec.Body.Bytes(), "authorize_url").String(), state)

	rec = env.do(http.MethodGet, "/api/broker/callback?code=good-code&state="+state, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tv-1", gjson.GetBytes(rec.Body.Bytes(), "account_id").String())

	// Replaying the callback fails: state is single use.
	rec = env.do(http.MethodGet, "/api/broker/callback?code=good-code&state="+state, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATE", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestOAuthAuthorizeRejectsAPIKeyBroker(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/api/broker/tradier/authorize?user_id=u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallbackUnknownState(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/api/broker/callback?code=good-code&state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_STATE", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestDisconnect(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodPost, "/api/broker/tradier/connect", body{
		"user_id": "u1", "api_key": "k",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := gjson.GetBytes(rec.Body.Bytes(), "connection_id").Int()

	rec = env.do(http.MethodDelete, "/api/broker/connections/"+strconv.FormatInt(id, 10), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, "/api/broker/connections/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrokerMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/api/broker/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	brokers := gjson.GetBytes(rec.Body.Bytes(), "brokers").Array()
	require.Len(t, brokers, 2)
	assert.Equal(t, "UNKNOWN", brokers[0].Get("health").String())
}

func TestBrokerMetricsFilters(t *testing.T) {
	env := newTestServer(t)
	now := time.Now()
	seedSyncRun(t, env.db, "tradier", now.Add(-time.Minute))
	seedSyncRun(t, env.db, "tradier", now.Add(-48*time.Hour))

	// Single broker, default 24h window: only the recent run counts.
	rec := env.do(http.MethodGet, "/api/broker/metrics?brokerType=tradier", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tradier", gjson.GetBytes(rec.Body.Bytes(), "broker").String())
	assert.Equal(t, int64(1), gjson.GetBytes(rec.Body.Bytes(), "runs").Int())

	// A wider since pulls the old run back in.
	since := now.Add(-72 * time.Hour).UTC().Format(time.RFC3339)
	rec = env.do(http.MethodGet, "/api/broker/metrics?brokerType=tradier&since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), gjson.GetBytes(rec.Body.Bytes(), "runs").Int())

	rec = env.do(http.MethodGet, "/api/broker/metrics?brokerType=robinhood", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/broker/metrics?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedSyncRun(t *testing.T, db *storetest.Memory, brokerName string, startedAt time.Time) {
	t.Helper()
	err := db.CreateSyncRun(context.Background(), store.SyncRunRecord{
		ID:           brokerName + "-" + startedAt.Format("150405.000000000"),
		ConnectionID: 1,
		Broker:       brokerName,
		StartedAt:    startedAt,
		FinishedAt:   startedAt.Add(time.Second),
		Status:       store.SyncStatusSuccess,
		Imported:     1,
	})
	require.NoError(t, err)
}

func TestTriggerSyncRequiresToken(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(http.MethodPost, "/api/scheduler/sync", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/sync", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/scheduler/sync", nil)
	req.Header.Set("Authorization", "Bearer trigger-secret")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRespondErrorRateLimitedCarriesRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	respondError(c, &ratelimit.LimitError{Window: "global/minute", RetryAfter: 30 * time.Second})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", gjson.GetBytes(rec.Body.Bytes(), "code").String())
	assert.Equal(t, int64(30), gjson.GetBytes(rec.Body.Bytes(), "retry_after").Int())
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestRespondErrorValidationFailed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	respondError(c, analysis.ErrValidationFailed)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", gjson.GetBytes(rec.Body.Bytes(), "code").String())
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	env := newTestServer(t)
	rec := env.do(http.MethodGet, "/api/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.GetBytes(rec.Body.Bytes(), "running").Bool())
}

type body = map[string]any
