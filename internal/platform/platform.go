// Package platform picks the auth/storage pair the process composes
// against. Only startup code calls it; everything downstream works
// with the interfaces it returns.
package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keepsakehq/keepsake/internal/auth"
	"github.com/keepsakehq/keepsake/internal/auth/devicekey"
	"github.com/keepsakehq/keepsake/internal/auth/tokenauth"
	"github.com/keepsakehq/keepsake/internal/config"
	"github.com/keepsakehq/keepsake/internal/storage"
	"github.com/keepsakehq/keepsake/internal/storage/filestore"
	"github.com/keepsakehq/keepsake/internal/storage/recordstore"
)

// Recommended builds the auth and storage providers the config points
// at. An explicit backend setting wins; otherwise whichever backend is
// fully configured gets picked. The legacy document database is a
// migration source only and is never returned here.
func Recommended(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.Provider, storage.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.BackendRecordStore:
		return recordStorePair(ctx, cfg, logger)
	case config.BackendFileStore:
		return fileStorePair(cfg, logger)
	}

	rsOK := cfg.RecordStore.BaseURL != ""
	fsOK := cfg.FileStore.BaseURL != "" && cfg.Account.Credential != ""
	switch {
	case rsOK && fsOK:
		return nil, nil, fmt.Errorf("both backends are configured; set backend = %q or %q", config.BackendRecordStore, config.BackendFileStore)
	case rsOK:
		return recordStorePair(ctx, cfg, logger)
	case fsOK:
		return fileStorePair(cfg, logger)
	default:
		return nil, nil, fmt.Errorf("no storage backend configured; run \"keepsake init\" and edit keepsake.toml")
	}
}

func recordStorePair(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.Provider, storage.Provider, error) {
	if cfg.RecordStore.BaseURL == "" {
		return nil, nil, fmt.Errorf("recordstore backend needs recordstore.base_url")
	}
	keys := devicekey.New(cfg.DataDir, logger)
	// Device sign-in only touches the local key file, so doing it here
	// pins the device ID for registry entries without a network call.
	if _, err := keys.SignIn(ctx); err != nil {
		return nil, nil, fmt.Errorf("device sign-in: %w", err)
	}
	provider := recordstore.New(recordstore.Config{
		BaseURL:      cfg.RecordStore.BaseURL,
		DeviceID:     keys.DeviceID(),
		DeviceName:   cfg.RecordStore.DeviceName,
		MaxQueueSize: cfg.RecordStore.MaxQueueSize,
	}, keys, logger)
	return keys, provider, nil
}

func fileStorePair(cfg *config.Config, logger *slog.Logger) (auth.Provider, storage.Provider, error) {
	if cfg.FileStore.BaseURL == "" {
		return nil, nil, fmt.Errorf("filestore backend needs filestore.base_url")
	}
	if cfg.Account.BaseURL == "" || cfg.Account.Credential == "" {
		return nil, nil, fmt.Errorf("filestore backend needs account.base_url and a credential (KEEPSAKE_ACCOUNT_CREDENTIAL)")
	}
	tokens := tokenauth.New(cfg.Account.BaseURL, cfg.Account.Credential, logger)
	return tokens, filestore.New(cfg.FileStore.BaseURL, tokens, logger), nil
}
