// Package devicekey implements auth.Provider with a locally generated
// device key: no account, no network calls, a stable pseudonymous user
// id. Copying the key file to another device carries the identity along.
package devicekey

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/keepsakehq/keepsake/internal/auth"
)

var (
	// ErrInvalidToken is returned when a token fails signature or shape checks.
	ErrInvalidToken = errors.New("devicekey: invalid token")
	// ErrExpiredToken is returned when a token is past its expiry.
	ErrExpiredToken = errors.New("devicekey: token expired")
)

const (
	keyFileName = "device.json"
	idContext   = "keepsake.device.v1"

	tokenTTL      = time.Hour
	refreshWindow = 5 * time.Minute
)

// deviceKey is the persisted key file shape.
type deviceKey struct {
	DeviceID  string `json:"deviceId"`
	DeviceKey string `json:"deviceKey"`
}

// Provider mints its own HS256 access tokens from the device key. The
// record store backend validates them with the same key material.
type Provider struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	user     *auth.User
	deviceID string
	secret   []byte
	token    string
	expires  time.Time

	notifier *auth.StateNotifier
}

// New returns a provider storing its key file under dir. No key is
// created until SignIn runs.
func New(dir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		dir:      dir,
		logger:   logger,
		notifier: auth.NewStateNotifier(logger),
	}
}

// SignIn loads the device key, creating one on first run, and derives
// the stable user id from it.
func (p *Provider) SignIn(ctx context.Context) (*auth.User, error) {
	p.mu.Lock()
	if p.user != nil {
		u := p.user
		p.mu.Unlock()
		return u, nil
	}

	key, err := p.loadOrCreateKey()
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("devicekey: sign in: %w", err)
	}

	userID, err := deriveUserID(key.DeviceKey)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("devicekey: sign in: %w", err)
	}

	p.deviceID = key.DeviceID
	p.secret = []byte(key.DeviceKey)
	p.user = &auth.User{ID: userID, DisplayName: "This device"}
	p.token = ""
	p.expires = time.Time{}
	u := p.user
	p.mu.Unlock()

	p.logger.Info("device identity ready", "user", userID, "device", key.DeviceID)
	p.notifier.Notify(u)
	return u, nil
}

// SignOut ends the session. The key file stays; identity is durable.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.user = nil
	p.deviceID = ""
	p.secret = nil
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

// AccessToken returns the current token, minting a fresh one when less
// than the refresh window remains.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.user == nil {
		return "", auth.ErrSignedOut
	}
	if p.token != "" && time.Until(p.expires) > refreshWindow {
		return p.token, nil
	}

	now := time.Now()
	claims := deviceClaims{
		DeviceID: p.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("devicekey: mint token: %w", err)
	}

	p.token = signed
	p.expires = now.Add(tokenTTL)
	return signed, nil
}

// RefreshToken discards the cached token and mints a new one.
func (p *Provider) RefreshToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	p.token = ""
	p.expires = time.Time{}
	p.mu.Unlock()
	return p.AccessToken(ctx)
}

// DeviceID returns the device's own id, for backend device registries.
// Empty before SignIn.
func (p *Provider) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

func (p *Provider) loadOrCreateKey() (*deviceKey, error) {
	path := filepath.Join(p.dir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var key deviceKey
		if jerr := json.Unmarshal(data, &key); jerr == nil && key.DeviceID != "" && key.DeviceKey != "" {
			return &key, nil
		}
		p.logger.Warn("device key file unreadable, regenerating", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := &deviceKey{
		DeviceID:  uuid.New().String(),
		DeviceKey: uuid.New().String(),
	}
	data, err = json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encode key file: %w", err)
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	p.logger.Info("generated new device key", "path", path)
	return key, nil
}

// deriveUserID hashes the device key into a stable pseudonymous id.
func deriveUserID(deviceKey string) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(idContext))
	h.Write([]byte(deviceKey))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// deviceClaims wraps the registered claim set for jwt-go compatibility.
type deviceClaims struct {
	DeviceID string `json:"dev"`
	jwt.RegisteredClaims
}

// TokenInfo is the validated content of an access token.
type TokenInfo struct {
	UserID   string
	DeviceID string
	Expires  time.Time
}

// Validate parses and checks a token against the device key material.
// Backends holding the shared key use this to authenticate requests.
func Validate(tokenStr string, key []byte) (*TokenInfo, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &deviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	dc, ok := token.Claims.(*deviceClaims)
	if !ok || !token.Valid || dc.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &TokenInfo{
		UserID:   dc.Subject,
		DeviceID: dc.DeviceID,
		Expires:  dc.ExpiresAt.Time,
	}, nil
}
