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

// TradovateAdapter talks to the Tradovate REST API. OAuth broker with
// short-lived access tokens, so near-expiry refresh matters most here.
type TradovateAdapter struct {
	http *resty.Client
	flow oauthFlow
}

func NewTradovateAdapter(cfg config.BrokerConfig, timeout time.Duration) *TradovateAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &TradovateAdapter{
		http: http,
		flow: oauthFlow{
			http:         http,
			authURL:      cfg.AuthURL,
			tokenPath:    "/auth/oauthtoken",
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			redirectURL:  cfg.RedirectURL,
		},
	}
}

func (a *TradovateAdapter) Broker() Type { return TypeTradovate }
func (a *TradovateAdapter) OAuth() bool  { return true }

func (a *TradovateAdapter) AuthorizeURL(state string) string {
	return a.flow.authorizeURL(state)
}

func (a *TradovateAdapter) ExchangeCode(ctx context.Context, code string) (Credentials, error) {
	return a.flow.exchangeCode(ctx, code)
}

func (a *TradovateAdapter) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	return a.flow.refresh(ctx, creds)
}

type tradovateAccount struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (a *TradovateAdapter) FetchAccounts(ctx context.Context, creds Credentials) ([]Account, error) {
	var raw []tradovateAccount
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetResult(&raw).
		Get("/account/list")
	if err != nil {
		return nil, fmt.Errorf("tradovate: account list: %w", err)
	}
	if err := classifyStatus(resp, "/account/list"); err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(raw))
	for _, acc := range raw {
		out = append(out, Account{ID: fmt.Sprintf("%d", acc.ID), Name: acc.Name})
	}
	return out, nil
}

type tradovateFill struct {
	ID        int64   `json:"id"`
	AccountID int64   `json:"accountId"`
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"` // Buy | Sell
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	Timestamp string  `json:"timestamp"` // RFC3339
}

func (a *TradovateAdapter) FetchTrades(ctx context.Context, creds Credentials, accountID string, since time.Time) ([]Execution, error) {
	var raw []tradovateFill
	req := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("accountId", accountID).
		SetResult(&raw)
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339))
	}
	resp, err := req.Get("/fill/list")
	if err != nil {
		return nil, fmt.Errorf("tradovate: fill list: %w", err)
	}
	if err := classifyStatus(resp, "/fill/list"); err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(raw))
	for _, f := range raw {
		ts, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("tradovate: fill %d: bad timestamp %q", f.ID, f.Timestamp)
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		out = append(out, Execution{
			ExternalID: fmt.Sprintf("%d", f.ID),
			AccountID:  accountID,
			Symbol:     f.Symbol,
			Side:       strings.ToLower(f.Action),
			Quantity:   decimal.NewFromFloat(f.Qty),
			Price:      decimal.NewFromFloat(f.Price),
			Fees:       decimal.NewFromFloat(f.Fee),
			ExecutedAt: ts,
		})
	}
	return out, nil
}
