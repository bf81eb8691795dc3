package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies a supported broker.
type Type string

const (
	TypeTradovate    Type = "tradovate"
	TypeTradeStation Type = "tradestation"
	TypeTradier      Type = "tradier"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeTradovate, TypeTradeStation, TypeTradier:
		return Type(s), nil
	}
	return "", fmt.Errorf("broker: unknown broker %q", s)
}

// ErrAuthExpired marks a 401/403 from the broker: the stored token is no
// longer usable and a refresh (or re-authorization) is required.
var ErrAuthExpired = errors.New("broker: authentication expired")

// ErrNotSupported is returned by operations a broker does not implement,
// e.g. token refresh on an API-key broker.
var ErrNotSupported = errors.New("broker: operation not supported")

// Credentials is the decrypted credential set for one connection. OAuth
// brokers fill the token fields; API-key brokers fill APIKey only.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// NearExpiry reports whether the access token expires within the margin.
// Always false for non-expiring credentials.
func (c Credentials) NearExpiry(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

type Account struct {
	ID   string
	Name string
}

// Execution is one broker-side fill.
type Execution struct {
	ExternalID string
	AccountID  string
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fees       decimal.Decimal
	ExecutedAt time.Time
}

// Adapter is the per-broker client surface the sync engine drives.
type Adapter interface {
	Broker() Type
	// OAuth reports whether this broker uses the authorization-code flow.
	OAuth() bool
	// AuthorizeURL renders the user-facing consent URL carrying state.
	AuthorizeURL(state string) string
	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (Credentials, error)
	// Refresh exchanges the refresh token for a fresh access token.
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
	// FetchAccounts lists the accounts visible to the credentials.
	FetchAccounts(ctx context.Context, creds Credentials) ([]Account, error)
	// FetchTrades returns executions for the account strictly after since.
	FetchTrades(ctx context.Context, creds Credentials, accountID string, since time.Time) ([]Execution, error)
}

// Registry holds the configured adapters keyed by broker type.
type Registry struct {
	adapters map[Type]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Type]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Broker()] = a
		}
	}
	return r
}

func (r *Registry) Get(t Type) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
