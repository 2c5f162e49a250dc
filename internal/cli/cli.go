// Package cli implements the keepsake subcommands. It is the
// composition root: the auth provider is constructed once per
// invocation and injected into the storage adapter and scheduler.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/keepsakehq/keepsake/internal/auth"
	"github.com/keepsakehq/keepsake/internal/config"
	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/platform"
	"github.com/keepsakehq/keepsake/internal/storage"
)

// session bundles what every data command needs: the loaded config,
// a logger at the configured level, the selected auth/storage pair,
// and the signed-in user.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	tokens auth.Provider
	store  storage.Provider
	user   *auth.User
}

// openSession loads config, picks the backend, signs in and loads the
// memory cache. Commands that only touch local files skip it.
func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	tokens, store, err := platform.Recommended(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	user, err := tokens.SignIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if err := store.Initialize(ctx, user.ID); err != nil {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("close storage", "error", cerr)
		}
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, tokens: tokens, store: store, user: user}, nil
}

func (s *session) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close storage", "error", err)
	}
}

// newLogger writes to stderr so stdout stays clean for command output.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// splitTags turns "beach, family" into ["beach", "family"].
func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// readMediaFile loads one local file into an upload payload. The image
// fallback for unknown extensions matches how uploads classify
// everywhere else.
func readMediaFile(path string) (memory.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return memory.File{}, fmt.Errorf("read media %s: %w", path, err)
	}
	name := filepath.Base(path)
	return memory.File{
		Name:     name,
		MIMEType: memory.MediaImage.MIME(name),
		Data:     data,
	}, nil
}

// firstLine truncates memory text for one-line listings.
func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	const max = 60
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max-1]) + "…"
	}
	return text
}

// printWarnings reports best-effort cleanup failures. The primary
// operation already succeeded, so these never change the exit code.
func printWarnings(warnings []storage.CleanupWarning) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  ⚠ cleanup: %s\n", w)
	}
}

// stringList is a repeatable flag value (--media a.jpg --media b.m4a).
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
