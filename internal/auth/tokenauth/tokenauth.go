// Package tokenauth implements auth.Provider for hosted accounts: an
// opaque refresh credential obtained out of band (device pairing, web
// sign-in) is exchanged over HTTPS for short-lived access tokens.
package tokenauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/keepsakehq/keepsake/internal/auth"
)

// refreshMargin forces a re-exchange when the token is this close to
// expiry, so storage calls never start with an about-to-die credential.
const refreshMargin = time.Minute

// Provider exchanges its refresh credential at {base}/oauth/token and
// resolves the identity at {base}/userinfo.
type Provider struct {
	baseURL    string
	credential string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	user    *auth.User
	token   string
	expires time.Time

	notifier *auth.StateNotifier
}

func New(baseURL, credential string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		notifier:   auth.NewStateNotifier(logger),
	}
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

type userinfoResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// SignIn exchanges the credential and resolves the account identity.
func (p *Provider) SignIn(ctx context.Context) (*auth.User, error) {
	p.mu.Lock()
	if p.user != nil {
		u := p.user
		p.mu.Unlock()
		return u, nil
	}
	p.mu.Unlock()

	token, expires, err := p.exchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenauth: sign in: %w", err)
	}

	info, err := p.userinfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("tokenauth: sign in: %w", err)
	}

	u := &auth.User{ID: info.ID, DisplayName: info.DisplayName, Email: info.Email}

	p.mu.Lock()
	p.user = u
	p.token = token
	p.expires = expires
	p.mu.Unlock()

	p.logger.Info("signed in", "user", u.ID)
	p.notifier.Notify(u)
	return u, nil
}

// SignOut drops the local session. The refresh credential itself is
// managed by the caller and stays valid.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.user = nil
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()

	p.notifier.Notify(nil)
	return nil
}

func (p *Provider) CurrentUser() (*auth.User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return nil, false
	}
	return p.user, true
}

func (p *Provider) IsSignedIn() bool {
	_, ok := p.CurrentUser()
	return ok
}

func (p *Provider) OnAuthStateChanged(fn func(*auth.User)) func() {
	p.mu.Lock()
	current := p.user
	p.mu.Unlock()
	return p.notifier.Subscribe(fn, current)
}

// AccessToken returns the current token, re-exchanging the credential
// when the token is stale or missing.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.user == nil {
		p.mu.Unlock()
		return "", auth.ErrSignedOut
	}
	if p.token != "" && time.Until(p.expires) > refreshMargin {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	token, expires, err := p.exchange(ctx)
	if err != nil {
		return "", fmt.Errorf("tokenauth: refresh token: %w", err)
	}

	p.mu.Lock()
	// Session may have ended while we were on the wire.
	if p.user == nil {
		p.mu.Unlock()
		return "", auth.ErrSignedOut
	}
	p.token = token
	p.expires = expires
	p.mu.Unlock()

	p.logger.Debug("access token refreshed", "expires", expires)
	return token, nil
}

// RefreshToken drops the cached token and re-exchanges the credential.
func (p *Provider) RefreshToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.user == nil {
		p.mu.Unlock()
		return "", auth.ErrSignedOut
	}
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()
	return p.AccessToken(ctx)
}

func (p *Provider) exchange(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{"credential": p.credential})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("exchange credential: http %d: %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("exchange credential: empty access token")
	}

	return tr.AccessToken, time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second), nil
}

func (p *Provider) userinfo(ctx context.Context, token string) (*userinfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch userinfo: http %d: %s", resp.StatusCode, string(respBody))
	}

	var ui userinfoResponse
	if err := json.Unmarshal(respBody, &ui); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if ui.ID == "" {
		return nil, fmt.Errorf("fetch userinfo: empty user id")
	}
	return &ui, nil
}
