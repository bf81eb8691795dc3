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

// TradeStationAdapter talks to the TradeStation v3 brokerage API.
type TradeStationAdapter struct {
	http *resty.Client
	flow oauthFlow
}

func NewTradeStationAdapter(cfg config.BrokerConfig, timeout time.Duration) *TradeStationAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &TradeStationAdapter{
		http: http,
		flow: oauthFlow{
			http:         http,
			authURL:      cfg.AuthURL,
			tokenPath:    "/oauth/token",
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			redirectURL:  cfg.RedirectURL,
		},
	}
}

func (a *TradeStationAdapter) Broker() Type { return TypeTradeStation }
func (a *TradeStationAdapter) OAuth() bool  { return true }

func (a *TradeStationAdapter) AuthorizeURL(state string) string {
	return a.flow.authorizeURL(state)
}

func (a *TradeStationAdapter) ExchangeCode(ctx context.Context, code string) (Credentials, error) {
	return a.flow.exchangeCode(ctx, code)
}

func (a *TradeStationAdapter) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	return a.flow.refresh(ctx, creds)
}

type tradestationAccountsResponse struct {
	Accounts []struct {
		AccountID string `json:"AccountID"`
		Alias     string `json:"Alias"`
	} `json:"Accounts"`
}

func (a *TradeStationAdapter) FetchAccounts(ctx context.Context, creds Credentials) ([]Account, error) {
	var raw tradestationAccountsResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetResult(&raw).
		Get("/v3/brokerage/accounts")
	if err != nil {
		return nil, fmt.Errorf("tradestation: accounts: %w", err)
	}
	if err := classifyStatus(resp, "/v3/brokerage/accounts"); err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(raw.Accounts))
	for _, acc := range raw.Accounts {
		out = append(out, Account{ID: acc.AccountID, Name: acc.Alias})
	}
	return out, nil
}

type tradestationOrdersResponse struct {
	Orders []struct {
		OrderID string `json:"OrderID"`
		Legs    []struct {
			Symbol    string `json:"Symbol"`
			BuyOrSell string `json:"BuyOrSell"`
			ExecQty   string `json:"ExecQuantity"`
			ExecPrice string `json:"ExecutionPrice"`
		} `json:"Legs"`
		CommissionFee  string `json:"CommissionFee"`
		ClosedDateTime string `json:"ClosedDateTime"` // RFC3339
	} `json:"Orders"`
}

func (a *TradeStationAdapter) FetchTrades(ctx context.Context, creds Credentials, accountID string, since time.Time) ([]Execution, error) {
	var raw tradestationOrdersResponse
	req := a.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetQueryParam("status", "FLL").
		SetResult(&raw)
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339))
	}
	resp, err := req.Get("/v3/brokerage/accounts/" + accountID + "/historicalorders")
	if err != nil {
		return nil, fmt.Errorf("tradestation: historical orders: %w", err)
	}
	if err := classifyStatus(resp, "/v3/brokerage/accounts/historicalorders"); err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(raw.Orders))
	for _, ord := range raw.Orders {
		if len(ord.Legs) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, ord.ClosedDateTime)
		if err != nil {
			return nil, fmt.Errorf("tradestation: order %s: bad timestamp %q", ord.OrderID, ord.ClosedDateTime)
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		fees, _ := decimal.NewFromString(ord.CommissionFee)
		for i, leg := range ord.Legs {
			qty, err := decimal.NewFromString(leg.ExecQty)
			if err != nil {
				return nil, fmt.Errorf("tradestation: order %s: bad quantity %q", ord.OrderID, leg.ExecQty)
			}
			price, err := decimal.NewFromString(leg.ExecPrice)
			if err != nil {
				return nil, fmt.Errorf("tradestation: order %s: bad price %q", ord.OrderID, leg.ExecPrice)
			}
			legFees := decimal.Zero
			if i == 0 {
				legFees = fees
			}
			out = append(out, Execution{
				ExternalID: fmt.Sprintf("%s-%d", ord.OrderID, i),
				AccountID:  accountID,
				Symbol:     leg.Symbol,
				Side:       strings.ToLower(leg.BuyOrSell),
				Quantity:   qty,
				Price:      price,
				Fees:       legFees,
				ExecutedAt: ts,
			})
		}
	}
	return out, nil
}
