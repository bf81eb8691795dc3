package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradevane/internal/config"
)

func TestParseTypeAcceptsKnownBrokers(t *testing.T) {
	for _, s := range []string{"tradovate", "tradestation", "tradier"} {
		got, err := ParseType(s)
		require.NoError(t, err)
		assert.Equal(t, Type(s), got)
	}
	_, err := ParseType("robinhood")
	assert.Error(t, err)
}

func TestCredentialsNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)

	noExpiry := Credentials{APIKey: "k"}
	assert.False(t, noExpiry.NearExpiry(now, 5*time.Minute))

	soon := Credentials{AccessToken: "t", ExpiresAt: now.Add(3 * time.Minute)}
	assert.True(t, soon.NearExpiry(now, 5*time.Minute))

	later := Credentials{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, later.NearExpiry(now, 5*time.Minute))
}

func TestRegistryLookup(t *testing.T) {
	tradier := NewTradierAdapter(config.BrokerConfig{BaseURL: "https://example.com"}, time.Second)
	reg := NewRegistry(tradier, nil)

	got, ok := reg.Get(TypeTradier)
	require.True(t, ok)
	assert.Equal(t, TypeTradier, got.Broker())

	_, ok = reg.Get(TypeTradovate)
	assert.False(t, ok)
	assert.Equal(t, []Type{TypeTradier}, reg.Types())
}

func newTradovate(t *testing.T, handler http.Handler) *TradovateAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTradovateAdapter(config.BrokerConfig{
		BaseURL:      srv.URL,
		AuthURL:      "https://auth.tradovate.example/oauth",
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURL:  "https://app.example.com/api/broker/callback",
	}, 5*time.Second)
}

func TestTradovateAuthorizeURLCarriesState(t *testing.T) {
	a := newTradovate(t, http.NotFoundHandler())
	raw := a.AuthorizeURL("state-123")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "state-123", u.Query().Get("state"))
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
}

func TestTradovateExchangeCode(t *testing.T) {
	a := newTradovate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/oauthtoken", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "acc",
			"refresh_token": "ref",
			"expires_in":    3600,
		})
	}))

	creds, err := a.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "acc", creds.AccessToken)
	assert.Equal(t, "ref", creds.RefreshToken)
	assert.False(t, creds.ExpiresAt.IsZero())
}

func TestTradovateRefreshKeepsOldRefreshToken(t *testing.T) {
	a := newTradovate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "acc2", "expires_in": 3600})
	}))

	creds, err := a.Refresh(context.Background(), Credentials{AccessToken: "old", RefreshToken: "keepme"})
	require.NoError(t, err)
	assert.Equal(t, "acc2", creds.AccessToken)
	assert.Equal(t, "keepme", creds.RefreshToken, "broker did not rotate, keep the old one")
}

func TestTradovateRefreshRejectedMapsToAuthExpired(t *testing.T) {
	a := newTradovate(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := a.Refresh(context.Background(), Credentials{RefreshToken: "revoked"})
	assert.ErrorIs(t, err, ErrAuthExpired)

	_, err = a.Refresh(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrAuthExpired, "no refresh token means re-auth")
}

func TestTradovateFetchTrades(t *testing.T) {
	a := newTradovate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fill/list", r.URL.Path)
		assert.Equal(t, "acc-9", r.URL.Query().Get("accountId"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 11, "symbol": "NQH6", "action": "Buy", "qty": 2, "price": 21000.25, "fee": 2.2, "timestamp": "2026-01-20T14:30:00Z"},
			{"id": 12, "symbol": "NQH6", "action": "Sell", "qty": 2, "price": 21050.00, "fee": 2.2, "timestamp": "2026-01-20T10:00:00Z"},
		})
	}))

	since := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)
	execs, err := a.FetchTrades(context.Background(), Credentials{AccessToken: "token"}, "acc-9", since)
	require.NoError(t, err)

	// The 10:00 fill is at or before the watermark and is filtered client-side.
	require.Len(t, execs, 1)
	assert.Equal(t, "11", execs[0].ExternalID)
	assert.Equal(t, "buy", execs[0].Side)
	assert.Equal(t, "21000.25", execs[0].Price.String())
}

func TestTradovateFetchTradesAuthExpired(t *testing.T) {
	a := newTradovate(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := a.FetchTrades(context.Background(), Credentials{AccessToken: "stale"}, "acc-9", time.Time{})
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func newTradier(t *testing.T, handler http.Handler) *TradierAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTradierAdapter(config.BrokerConfig{BaseURL: srv.URL}, 5*time.Second)
}

func TestTradierFetchAccounts(t *testing.T) {
	a := newTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/user/profile", r.URL.Path)
		assert.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"profile": map[string]any{
				"account": []map[string]any{
					{"account_number": "VA123", "type": "margin"},
				},
			},
		})
	}))

	accounts, err := a.FetchAccounts(context.Background(), Credentials{APIKey: "api-key"})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "VA123", accounts[0].ID)
}

func TestTradierFetchTradesSkipsNonTradeEvents(t *testing.T) {
	a := newTradier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/VA123/history", r.URL.Path)
		assert.Equal(t, "trade", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"history": map[string]any{
				"event": []map[string]any{
					{"type": "dividend", "date": "2026-01-20T10:00:00Z"},
					{"type": "trade", "date": "2026-01-20T14:30:00Z", "trade": map[string]any{
						"trade_id": 77, "symbol": "AAPL", "side": "Buy",
						"quantity": 10, "price": 229.5, "commission": 0.35,
					}},
				},
			},
		})
	}))

	execs, err := a.FetchTrades(context.Background(), Credentials{APIKey: "api-key"}, "VA123", time.Time{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "77", execs[0].ExternalID)
	assert.Equal(t, "buy", execs[0].Side)
	assert.Equal(t, "10", execs[0].Quantity.String())
}

func TestTradierRefreshNotSupported(t *testing.T) {
	a := newTradier(t, http.NotFoundHandler())
	_, err := a.Refresh(context.Background(), Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.False(t, a.OAuth())
	assert.Empty(t, a.AuthorizeURL("s"))
}
