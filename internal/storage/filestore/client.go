package filestore

import (
	"context"
	"log/slog"

	"github.com/keepsakehq/keepsake/internal/auth"
	"github.com/keepsakehq/keepsake/internal/storage/httpapi"
)

// client scopes the shared transport to the file API paths:
// GET/PUT/DELETE {base}/files/{path}.
type client struct {
	api *httpapi.Client
}

func newClient(baseURL string, tokens auth.Provider, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{api: httpapi.New(baseURL, tokens, logger)}
}

func (c *client) fileURL(path string) string {
	return c.api.URL("files/" + path)
}

func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	return c.api.Do(ctx, "GET", "files/"+path, "", nil)
}

func (c *client) put(ctx context.Context, path, contentType string, data []byte) error {
	_, err := c.api.Do(ctx, "PUT", "files/"+path, contentType, data)
	return err
}

func (c *client) delete(ctx context.Context, path string) error {
	_, err := c.api.Do(ctx, "DELETE", "files/"+path, "", nil)
	return err
}
