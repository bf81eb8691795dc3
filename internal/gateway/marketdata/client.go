package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable wraps any transport or non-2xx failure from the market-data
// API. Stage services treat it as a degrade signal, never a hard stop.
var ErrUnavailable = errors.New("marketdata: upstream unavailable")

type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Quote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	ChangePct float64 `json:"change_pct"`
	Volume    float64 `json:"volume"`
}

type EconomicEvent struct {
	Time     time.Time `json:"time"`
	Name     string    `json:"name"`
	Country  string    `json:"country"`
	Impact   string    `json:"impact"` // low | medium | high
	Actual   string    `json:"actual"`
	Forecast string    `json:"forecast"`
	Previous string    `json:"previous"`
}

// Source is the data-access collaborator of the analysis stages.
type Source interface {
	DailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
	IntradayBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error)
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
	EconomicCalendar(ctx context.Context, date string) ([]EconomicEvent, error)
}

// Client is a resty-backed Source against the market-data vendor API.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("X-Api-Key", apiKey).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	return &Client{http: c}
}

func (c *Client) DailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	var out []Bar
	err := c.getJSON(ctx, "/v1/bars/daily", map[string]string{
		"symbol": symbol,
		"limit":  fmt.Sprintf("%d", limit),
	}, &out)
	return out, err
}

func (c *Client) IntradayBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	var out []Bar
	err := c.getJSON(ctx, "/v1/bars/intraday", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    fmt.Sprintf("%d", limit),
	}, &out)
	return out, err
}

func (c *Client) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	var out []Quote
	err := c.getJSON(ctx, "/v1/quotes", map[string]string{
		"symbols": strings.Join(symbols, ","),
	}, &out)
	return out, err
}

func (c *Client) EconomicCalendar(ctx context.Context, date string) ([]EconomicEvent, error) {
	var out []EconomicEvent
	err := c.getJSON(ctx, "/v1/calendar/economic", map[string]string{
		"date": date,
	}, &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, dest any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(dest).
		Get(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status=%d", ErrUnavailable, path, resp.StatusCode())
	}
	return nil
}
