package broker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// oauthFlow implements the authorization-code + refresh-token exchange shared
// by the OAuth brokers. Endpoint shapes differ per broker only in URLs.
type oauthFlow struct {
	http         *resty.Client
	authURL      string
	tokenPath    string
	clientID     string
	clientSecret string
	redirectURL  string
	nowFn        func() time.Time
}

func (f *oauthFlow) authorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.clientID)
	q.Set("redirect_uri", f.redirectURL)
	q.Set("state", state)
	return f.authURL + "?" + q.Encode()
}

func (f *oauthFlow) exchangeCode(ctx context.Context, code string) (Credentials, error) {
	return f.tokenRequest(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": f.redirectURL,
	})
}

func (f *oauthFlow) refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" {
		return Credentials{}, ErrAuthExpired
	}
	next, err := f.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
	})
	if err != nil {
		return Credentials{}, err
	}
	// Some brokers rotate refresh tokens, some return only a new access token.
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	return next, nil
}

func (f *oauthFlow) tokenRequest(ctx context.Context, form map[string]string) (Credentials, error) {
	var tok tokenResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetFormData(map[string]string{
			"client_id":     f.clientID,
			"client_secret": f.clientSecret,
		}).
		SetResult(&tok).
		Post(f.tokenPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("broker: token request: %w", err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 || resp.StatusCode() == 400 {
		return Credentials{}, fmt.Errorf("%w: token endpoint status=%d", ErrAuthExpired, resp.StatusCode())
	}
	if resp.IsError() {
		return Credentials{}, fmt.Errorf("broker: token endpoint status=%d", resp.StatusCode())
	}
	if tok.AccessToken == "" {
		return Credentials{}, fmt.Errorf("broker: token response missing access_token")
	}
	now := time.Now
	if f.nowFn != nil {
		now = f.nowFn
	}
	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		creds.ExpiresAt = now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return creds, nil
}

// classifyStatus turns an authenticated API response status into the adapter
// error contract: 401/403 mean expired auth, anything else non-2xx is a
// transient upstream error.
func classifyStatus(resp *resty.Response, path string) error {
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return fmt.Errorf("%w: %s status=%d", ErrAuthExpired, path, resp.StatusCode())
	}
	if resp.IsError() {
		return fmt.Errorf("broker: %s status=%d", path, resp.StatusCode())
	}
	return nil
}
