// Package docstore reads and writes the previous app generation's
// embedded document database: one shared SQLite file holding every
// user's memories plus a blob table for media. It exists as the source
// side of migrations and is never offered as a sync destination, but it
// still honors the full provider contract so legacy data keeps working
// while a migration is pending. Live updates come from a polling
// continuous query.
package docstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

const defaultPollInterval = 2 * time.Second

// Config locates the legacy database.
type Config struct {
	Path string
	// PollInterval is how often the continuous query re-runs; 0 means
	// the default.
	PollInterval time.Duration
}

// Provider implements storage.Provider over the legacy database.
type Provider struct {
	db        *sql.DB
	logger    *slog.Logger
	pollEvery time.Duration

	mu          sync.Mutex
	userID      string
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	cache     *storage.Cache
	listeners *storage.Listeners

	httpClient *http.Client
}

var _ storage.Provider = (*Provider)(nil)
var _ storage.Pusher = (*Provider)(nil)

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "docstore")

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("docstore: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("docstore: wal mode: %w", err)
	}

	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}

	p := &Provider{
		db:         db,
		logger:     logger,
		pollEvery:  pollEvery,
		cache:      storage.NewCache(),
		listeners:  storage.NewListeners(logger),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if err := p.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("docstore: migrate: %w", err)
	}
	return p, nil
}

// migrate creates tables on first run.
func (p *Provider) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]',
			media      TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS media_blobs (
			storage_path TEXT PRIMARY KEY,
			data         BLOB NOT NULL,
			digest       TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:30], err)
		}
	}
	return nil
}

// Initialize loads the user's rows into the cache. Same-user calls are
// no-ops; a different user drops local state and the poll loop.
func (p *Provider) Initialize(ctx context.Context, userID string) error {
	if userID == "" {
		return storage.E("Initialize", storage.KindNotAuthenticated, errors.New("empty user id"))
	}

	p.mu.Lock()
	if p.initialized && p.userID == userID {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.stopPoll()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache.Reset()
	p.initialized = false
	p.userID = userID

	ms, err := p.MemoriesForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	p.cache.ReplaceAll(ms)
	p.initialized = true

	if p.listeners.Len() > 0 {
		p.startPollLocked()
	}

	p.logger.Info("initialized", "user", userID, "memories", len(ms))
	return nil
}

func (p *Provider) CreateMemory(ctx context.Context, input memory.MemoryInput) (*memory.Memory, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("CreateMemory", storage.KindNotInitialized, nil)
	}

	uploaded, err := p.uploadAll(ctx, input.MediaFiles)
	if err != nil {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("create memory: %w", err)
	}

	now := time.Now().UTC()
	m := &memory.Memory{
		ID:        memory.NewRecordID(),
		UserID:    p.userID,
		Text:      input.Text,
		Tags:      append([]string{}, input.Tags...),
		Media:     append(uploaded, input.Attachments...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Media == nil {
		m.Media = []memory.MediaAttachment{}
	}

	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO memories(id, user_id, text, tags, media, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Text, encodeJSON(m.Tags), encodeJSON(m.Media),
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	); err != nil {
		p.rollbackUploads(uploaded)
		return nil, storage.E("CreateMemory", storage.KindUnknown, err)
	}

	p.cache.Prepend(m)
	notify = true
	return m.Clone(), nil
}

func (p *Provider) UpdateMemory(ctx context.Context, id string, upd memory.MemoryUpdate, newFiles []memory.File) (*memory.Memory, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("UpdateMemory", storage.KindNotInitialized, nil)
	}
	m, ok := p.cache.Get(id)
	if !ok {
		return nil, storage.E("UpdateMemory", storage.KindNotFound, nil)
	}

	uploaded, err := p.uploadAll(ctx, newFiles)
	if err != nil {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("update memory: %w", err)
	}

	if upd.Text != nil {
		m.Text = *upd.Text
	}
	if upd.Tags != nil {
		m.Tags = append([]string{}, (*upd.Tags)...)
	}
	m.Media = append(m.Media, uploaded...)
	m.UpdatedAt = time.Now().UTC()

	if err := p.writeRow(ctx, "UpdateMemory", m); err != nil {
		p.rollbackUploads(uploaded)
		return nil, err
	}

	p.cache.Update(m)
	notify = true
	return m.Clone(), nil
}

func (p *Provider) DeleteMemory(ctx context.Context, id string) ([]storage.CleanupWarning, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("DeleteMemory", storage.KindNotInitialized, nil)
	}
	m, ok := p.cache.Get(id)
	if !ok {
		return nil, storage.E("DeleteMemory", storage.KindNotFound, nil)
	}

	var warnings []storage.CleanupWarning
	for _, att := range m.Media {
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM media_blobs WHERE storage_path = ?`, att.StoragePath); err != nil {
			p.logger.Warn("media cleanup failed", "memory", id, "path", att.StoragePath, "error", err)
			warnings = append(warnings, storage.CleanupWarning{Op: "DeleteMemory", StoragePath: att.StoragePath, Err: err})
		}
	}

	if _, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return warnings, storage.E("DeleteMemory", storage.KindUnknown, err)
	}

	p.cache.Remove(id)
	notify = true
	return warnings, nil
}

func (p *Provider) Memories() []*memory.Memory {
	return p.cache.Snapshot()
}

func (p *Provider) Memory(id string) (*memory.Memory, bool) {
	return p.cache.Get(id)
}

func (p *Provider) UploadMedia(ctx context.Context, f memory.File) (*memory.MediaAttachment, error) {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return nil, storage.E("UploadMedia", storage.KindNotInitialized, nil)
	}
	return p.uploadOne(ctx, f)
}

// DeleteMedia is idempotent: deleting an absent blob affects zero rows
// and succeeds.
func (p *Provider) DeleteMedia(ctx context.Context, mediaID, storagePath string) error {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return storage.E("DeleteMedia", storage.KindNotInitialized, nil)
	}

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM media_blobs WHERE storage_path = ?`, storagePath); err != nil {
		return fmt.Errorf("delete media %s: %w", mediaID, err)
	}
	return nil
}

func (p *Provider) RemoveMediaFromMemory(ctx context.Context, memoryID, mediaID string) ([]storage.CleanupWarning, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("RemoveMediaFromMemory", storage.KindNotInitialized, nil)
	}
	m, ok := p.cache.Get(memoryID)
	if !ok {
		return nil, storage.E("RemoveMediaFromMemory", storage.KindNotFound, nil)
	}

	idx := -1
	for i, att := range m.Media {
		if att.ID == mediaID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, storage.E("RemoveMediaFromMemory", storage.KindNotFound,
			fmt.Errorf("media %s not attached to memory %s", mediaID, memoryID))
	}

	removed := m.Media[idx]
	m.Media = append(m.Media[:idx], m.Media[idx+1:]...)
	m.UpdatedAt = time.Now().UTC()

	if err := p.writeRow(ctx, "RemoveMediaFromMemory", m); err != nil {
		return nil, err
	}
	p.cache.Update(m)
	notify = true

	var warnings []storage.CleanupWarning
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM media_blobs WHERE storage_path = ?`, removed.StoragePath); err != nil {
		p.logger.Warn("media cleanup failed", "memory", memoryID, "path", removed.StoragePath, "error", err)
		warnings = append(warnings, storage.CleanupWarning{Op: "RemoveMediaFromMemory", StoragePath: removed.StoragePath, Err: err})
	}
	return warnings, nil
}

func (p *Provider) SyncMode() storage.SyncMode { return storage.SyncPush }

// SubscribeToChanges registers fn, invoking it immediately with the
// current cache. The first subscriber starts the continuous query.
func (p *Provider) SubscribeToChanges(fn storage.ChangeFunc) storage.UnsubscribeFunc {
	p.mu.Lock()
	if p.initialized && p.cancel == nil {
		p.startPollLocked()
	}
	p.mu.Unlock()

	return p.listeners.Subscribe(fn, p.cache.Snapshot())
}

func (p *Provider) Close() error {
	p.stopPoll()
	return p.db.Close()
}

// CountForUser reports how many legacy memories a user owns. Usable
// without Initialize: migration inspects the shared collection directly.
func (p *Provider) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count for user: %w", err)
	}
	return n, nil
}

// MemoriesForUser returns a user's legacy memories, newest first.
// Usable without Initialize.
func (p *Provider) MemoriesForUser(ctx context.Context, userID string) ([]*memory.Memory, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, text, tags, media, created_at, updated_at
		 FROM memories WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ms []*memory.Memory
	for rows.Next() {
		m, err := p.scanMemory(rows, userID)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return ms, nil
}

// FetchBlob resolves an attachment's bytes. The blob table is consulted
// first by storage path; file:// and http(s):// URLs are fetched
// directly. A stored digest that does not match the data is an error so
// the caller can skip the corrupt blob.
func (p *Provider) FetchBlob(ctx context.Context, att memory.MediaAttachment) ([]byte, error) {
	var data []byte
	var digest string
	err := p.db.QueryRowContext(ctx,
		`SELECT data, digest FROM media_blobs WHERE storage_path = ?`, att.StoragePath).
		Scan(&data, &digest)
	switch {
	case err == nil:
		if digest != "" && digestOf(data) != digest {
			return nil, fmt.Errorf("blob %s: digest mismatch", att.StoragePath)
		}
		return data, nil
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to URL resolution.
	default:
		return nil, fmt.Errorf("fetch blob %s: %w", att.StoragePath, err)
	}

	switch {
	case strings.HasPrefix(att.URL, "file://"):
		data, err := os.ReadFile(strings.TrimPrefix(att.URL, "file://"))
		if err != nil {
			return nil, fmt.Errorf("read blob file: %w", err)
		}
		return data, nil
	case strings.HasPrefix(att.URL, "http://"), strings.HasPrefix(att.URL, "https://"):
		return p.fetchURL(ctx, att.URL)
	}
	return nil, storage.E("FetchBlob", storage.KindNotFound,
		fmt.Errorf("no blob for %s", att.StoragePath))
}

func (p *Provider) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob url: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob url: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	return data, nil
}

// startPollLocked starts the continuous query for the current user.
// Caller holds p.mu.
func (p *Provider) startPollLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.pollLoop(ctx, p.userID)
}

// stopPoll cancels the continuous query and waits for it. Must not be
// called with p.mu held.
func (p *Provider) stopPoll() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

func (p *Provider) pollLoop(ctx context.Context, userID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, userID)
		}
	}
}

// pollOnce re-runs the user query and notifies when the result set
// differs from the cache.
func (p *Provider) pollOnce(ctx context.Context, userID string) {
	ms, err := p.MemoriesForUser(ctx, userID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("continuous query failed", "error", err)
		}
		return
	}
	if signature(ms) == signature(p.cache.Snapshot()) {
		return
	}
	p.cache.ReplaceAll(ms)
	p.listeners.Notify(p.cache.Snapshot())
}

// signature summarizes a result set for change detection.
func signature(ms []*memory.Memory) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(fmt.Sprint(m.UpdatedAt.UnixMilli()))
		b.WriteByte(':')
		b.WriteString(fmt.Sprint(len(m.Media)))
		b.WriteByte(';')
	}
	return b.String()
}

func (p *Provider) writeRow(ctx context.Context, op string, m *memory.Memory) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE memories SET text = ?, tags = ?, media = ?, updated_at = ? WHERE id = ?`,
		m.Text, encodeJSON(m.Tags), encodeJSON(m.Media), m.UpdatedAt.UnixMilli(), m.ID)
	if err != nil {
		return storage.E(op, storage.KindUnknown, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.E(op, storage.KindNotFound, nil)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *Provider) scanMemory(row rowScanner, userID string) (*memory.Memory, error) {
	var (
		id, text, tagsJSON, mediaJSON string
		createdMs, updatedMs          int64
	)
	if err := row.Scan(&id, &text, &tagsJSON, &mediaJSON, &createdMs, &updatedMs); err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	m := &memory.Memory{
		ID:        id,
		UserID:    userID,
		Text:      text,
		Tags:      []string{},
		Media:     []memory.MediaAttachment{},
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		p.logger.Warn("corrupt tags column, treating as none", "record", id, "error", err)
		m.Tags = []string{}
	}
	if err := json.Unmarshal([]byte(mediaJSON), &m.Media); err != nil {
		p.logger.Warn("corrupt media column, treating as no attachments", "record", id, "error", err)
		m.Media = []memory.MediaAttachment{}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Media == nil {
		m.Media = []memory.MediaAttachment{}
	}
	return m, nil
}

func (p *Provider) uploadAll(ctx context.Context, files []memory.File) ([]memory.MediaAttachment, error) {
	var uploaded []memory.MediaAttachment
	for _, f := range files {
		att, err := p.uploadOne(ctx, f)
		if err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		uploaded = append(uploaded, *att)
	}
	return uploaded, nil
}

func (p *Provider) uploadOne(ctx context.Context, f memory.File) (*memory.MediaAttachment, error) {
	contentType := f.MIMEType
	if contentType == "" {
		contentType = memory.MediaImage.MIME(f.Name)
	}
	mediaType := memory.ClassifyMIME(contentType)

	id := memory.NewMediaID()
	storagePath := "media/" + id + strings.ToLower(path.Ext(f.Name))

	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO media_blobs(storage_path, data, digest) VALUES(?, ?, ?)`,
		storagePath, f.Data, digestOf(f.Data)); err != nil {
		return nil, storage.E("UploadMedia", storage.KindUnknown, err)
	}

	return &memory.MediaAttachment{
		ID:          id,
		Type:        mediaType,
		URL:         storagePath,
		FileName:    f.Name,
		StoragePath: storagePath,
	}, nil
}

func (p *Provider) rollbackUploads(atts []memory.MediaAttachment) {
	for _, att := range atts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM media_blobs WHERE storage_path = ?`, att.StoragePath); err != nil {
			p.logger.Warn("rollback upload failed", "path", att.StoragePath, "error", err)
		}
		cancel()
	}
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func digestOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
