package recordstore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keepsakehq/keepsake/internal/storage"
	"github.com/keepsakehq/keepsake/internal/storage/httpapi"
)

// client wraps the zone API endpoints: per-record CRUD, binary assets
// and the device registry.
type client struct {
	api *httpapi.Client
}

func newClient(api *httpapi.Client) *client {
	return &client{api: api}
}

// createZone provisions the per-user zone. An already existing zone is
// not an error.
func (c *client) createZone(ctx context.Context, zone string) error {
	err := c.api.DoJSON(ctx, http.MethodPost, "v1/zones", map[string]string{"zone": zone}, nil)
	if errors.Is(err, storage.ErrSyncConflict) {
		return nil
	}
	return err
}

func (c *client) listRecords(ctx context.Context, zone string) ([]wireRecord, error) {
	var out struct {
		Records []wireRecord `json:"records"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, "v1/zones/"+zone+"/records", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *client) getRecord(ctx context.Context, zone, id string) (wireRecord, error) {
	var out wireRecord
	err := c.api.DoJSON(ctx, http.MethodGet, "v1/zones/"+zone+"/records/"+id, nil, &out)
	return out, err
}

func (c *client) createRecord(ctx context.Context, zone string, rec wireRecord) error {
	return c.api.DoJSON(ctx, http.MethodPost, "v1/zones/"+zone+"/records", rec, nil)
}

func (c *client) updateRecord(ctx context.Context, zone string, rec wireRecord) error {
	return c.api.DoJSON(ctx, http.MethodPatch, "v1/zones/"+zone+"/records/"+rec.ID, rec, nil)
}

func (c *client) deleteRecord(ctx context.Context, zone, id string) error {
	return c.api.DoJSON(ctx, http.MethodDelete, "v1/zones/"+zone+"/records/"+id, nil, nil)
}

func (c *client) putAsset(ctx context.Context, storagePath, contentType string, data []byte) error {
	_, err := c.api.Do(ctx, http.MethodPut, "v1/assets/"+storagePath, contentType, data)
	return err
}

func (c *client) deleteAsset(ctx context.Context, storagePath string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, "v1/assets/"+storagePath, "", nil)
	return err
}

// assetURL returns the public URL of an uploaded asset.
func (c *client) assetURL(storagePath string) string {
	return c.api.URL("v1/assets/" + storagePath)
}

// feedURL returns the websocket endpoint of a zone's change feed.
func (c *client) feedURL(zone string) string {
	return "ws" + strings.TrimPrefix(c.api.URL("v1/zones/"+zone+"/feed"), "http")
}

// Device is an entry in a zone's device registry.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

// upsertDevice records this device in the zone registry so other
// clients can see which devices sync the collection.
func (c *client) upsertDevice(ctx context.Context, zone string, dev Device) error {
	return c.api.DoJSON(ctx, http.MethodPut, "v1/zones/"+zone+"/devices/"+dev.ID, dev, nil)
}

func (c *client) listDevices(ctx context.Context, zone string) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, "v1/zones/"+zone+"/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}
