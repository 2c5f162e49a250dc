// Package httpapi is the authenticated HTTP transport shared by the
// cloud storage adapters. It attaches bearer tokens from an auth
// provider, retries transport and server failures with exponential
// backoff, performs one refresh-and-retry pass on 401, and maps HTTP
// statuses onto the storage error kinds.
package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/keepsakehq/keepsake/internal/auth"
	"github.com/keepsakehq/keepsake/internal/storage"
)

type Client struct {
	baseURL    string
	tokens     auth.Provider
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL string, tokens auth.Provider, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// URL returns the absolute URL for a server-relative path.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + path
}

// DoJSON performs a request with a JSON body (in may be nil) and decodes
// the response into out (out may be nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
		contentType = "application/json"
	}

	resp, err := c.Do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	if out != nil && len(resp) > 0 {
		if err := json.Unmarshal(resp, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// Do performs a request with retry. The returned error carries a storage
// kind; transport failures and 5xx are retried, everything else returns
// immediately.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
			c.logger.Debug("retrying request",
				"method", method,
				"path", path,
				"attempt", attempt+1,
				"delay", delay)

			select {
			case <-ctx.Done():
				return nil, storage.E(method+" "+path, storage.KindNetwork, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, retriable, err := c.doOnce(ctx, method, path, contentType, body)
		if err == nil {
			return resp, nil
		}
		if !retriable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("request failed",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"error", err)
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

// doOnce performs one request, including the single refresh-and-retry
// pass on 401. retriable reports whether Do may try again.
func (c *Client) doOnce(ctx context.Context, method, path, contentType string, body []byte) (respBody []byte, retriable bool, err error) {
	op := method + " " + path

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, false, storage.E(op, storage.KindNotAuthenticated, err)
	}

	status, respBody, err := c.roundTrip(ctx, method, path, contentType, body, token)
	if err != nil {
		return nil, true, storage.E(op, storage.KindNetwork, err)
	}

	if status == http.StatusUnauthorized {
		token, err = c.tokens.RefreshToken(ctx)
		if err != nil {
			return nil, false, storage.E(op, storage.KindNotAuthenticated, err)
		}
		status, respBody, err = c.roundTrip(ctx, method, path, contentType, body, token)
		if err != nil {
			return nil, true, storage.E(op, storage.KindNetwork, err)
		}
	}

	switch {
	case status >= 200 && status < 300:
		return respBody, false, nil
	case status >= 500:
		return nil, true, storage.E(op, storage.KindUnknown,
			fmt.Errorf("http %d: %s", status, truncate(respBody)))
	default:
		return nil, false, storage.E(op, kindForStatus(status),
			fmt.Errorf("http %d: %s", status, truncate(respBody)))
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodPut && body != nil {
		req.Header.Set("X-Content-Digest", "blake2b-256="+Digest(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func kindForStatus(status int) storage.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return storage.KindPermissionDenied
	case http.StatusNotFound:
		return storage.KindNotFound
	case http.StatusConflict:
		return storage.KindSyncConflict
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests, http.StatusInsufficientStorage:
		return storage.KindQuotaExceeded
	default:
		return storage.KindUnknown
	}
}

// Digest returns the hex blake2b-256 sum sent with uploads so backends
// can verify content integrity.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
