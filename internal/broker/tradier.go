package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradevane/internal/config"
)

// TradierAdapter talks to the Tradier brokerage API with a long-lived API
// key. No OAuth flow: connections are created directly from the key, and
// Refresh is a no-op contract violation surfaced as ErrNotSupported.
type TradierAdapter struct {
	http *resty.Client
}

func NewTradierAdapter(cfg config.BrokerConfig, timeout time.Duration) *TradierAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &TradierAdapter{http: http}
}

func (a *TradierAdapter) Broker() Type { return TypeTradier }
func (a *TradierAdapter) OAuth() bool  { return false }

func (a *TradierAdapter) AuthorizeURL(string) string { return "" }

func (a *TradierAdapter) ExchangeCode(context.Context, string) (Credentials, error) {
	return Credentials{}, ErrNotSupported
}

func (a *TradierAdapter) Refresh(context.Context, Credentials) (Credentials, error) {
	return Credentials{}, ErrNotSupported
}

type tradierProfileResponse struct {
	Profile struct {
		Account []struct {
			AccountNumber string `json:"account_number"`
			Type          string `json:"type"`
		} `json:"account"`
	} `json:"profile"`
}

func (a *TradierAdapter) FetchAccounts(ctx context.Context, creds Credentials) ([]Account, error) {
	var raw tradierProfileResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.APIKey).
		SetResult(&raw).
		Get("/v1/user/profile")
	if err != nil {
		return nil, fmt.Errorf("tradier: profile: %w", err)
	}
	if err := classifyStatus(resp, "/v1/user/profile"); err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(raw.Profile.Account))
	for _, acc := range raw.Profile.Account {
		out = append(out, Account{ID: acc.AccountNumber, Name: acc.Type})
	}
	return out, nil
}

type tradierHistoryResponse struct {
	History struct {
		Event []struct {
			Type  string `json:"type"`
			Date  string `json:"date"` // RFC3339
			Trade struct {
				TradeID    int64   `json:"trade_id"`
				Symbol     string  `json:"symbol"`
				Side       string  `json:"side"`
				Quantity   float64 `json:"quantity"`
				Price      float64 `json:"price"`
				Commission float64 `json:"commission"`
			} `json:"trade"`
		} `json:"event"`
	} `json:"history"`
}

func (a *TradierAdapter) FetchTrades(ctx context.Context, creds Credentials, accountID string, since time.Time) ([]Execution, error) {
	var raw tradierHistoryResponse
	req := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.APIKey).
		SetQueryParam("type", "trade").
		SetResult(&raw)
	if !since.IsZero() {
		req.SetQueryParam("start", since.UTC().Format("2006-01-02"))
	}
	resp, err := req.Get("/v1/accounts/" + accountID + "/history")
	if err != nil {
		return nil, fmt.Errorf("tradier: history: %w", err)
	}
	if err := classifyStatus(resp, "/v1/accounts/history"); err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(raw.History.Event))
	for _, ev := range raw.History.Event {
		if ev.Type != "trade" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, ev.Date)
		if err != nil {
			return nil, fmt.Errorf("tradier: trade %d: bad date %q", ev.Trade.TradeID, ev.Date)
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		out = append(out, Execution{
			ExternalID: fmt.Sprintf("%d", ev.Trade.TradeID),
			AccountID:  accountID,
			Symbol:     ev.Trade.Symbol,
			Side:       strings.ToLower(ev.Trade.Side),
			Quantity:   decimal.NewFromFloat(ev.Trade.Quantity),
			Price:      decimal.NewFromFloat(ev.Trade.Price),
			Fees:       decimal.NewFromFloat(ev.Trade.Commission),
			ExecutedAt: ts,
		})
	}
	return out, nil
}
