// Package filestore stores a user's whole memory collection as one JSON
// document in a private cloud file container, with media blobs uploaded
// beside it. Every write rewrites the full document; there is no partial
// patch. Remote changes are only observed by pulling (FetchChanges or
// ForceSync), so the provider's sync mode is SyncPull.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/keepsakehq/keepsake/internal/auth"
	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

const documentVersion = 1

// document is the persisted collection shape.
type document struct {
	Version      int              `json:"version"`
	LastModified time.Time        `json:"lastModified"`
	Memories     []*memory.Memory `json:"memories"`
}

// Provider implements storage.Provider over the file API.
type Provider struct {
	client *client
	tokens auth.Provider
	logger *slog.Logger

	// mu serializes mutating operations: each one re-reads the cache,
	// rewrites the whole document, then commits to the cache.
	mu          sync.Mutex
	userID      string
	initialized bool

	cache *storage.Cache
}

var _ storage.Provider = (*Provider)(nil)
var _ storage.Puller = (*Provider)(nil)

func New(baseURL string, tokens auth.Provider, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "filestore")
	return &Provider{
		client: newClient(baseURL, tokens, logger),
		tokens: tokens,
		logger: logger,
		cache:  storage.NewCache(),
	}
}

// Initialize loads the user's document into the cache. Calling it again
// for the same user is a no-op; a different user resets local state.
func (p *Provider) Initialize(ctx context.Context, userID string) error {
	if userID == "" {
		return storage.E("Initialize", storage.KindNotAuthenticated, errors.New("empty user id"))
	}
	if !p.tokens.IsSignedIn() {
		return storage.E("Initialize", storage.KindNotAuthenticated, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.userID == userID {
		return nil
	}

	p.cache.Reset()
	p.initialized = false
	p.userID = userID

	ms, err := p.loadDocument(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	p.cache.ReplaceAll(ms)
	p.initialized = true

	p.logger.Info("initialized", "user", userID, "memories", len(ms))
	return nil
}

func (p *Provider) CreateMemory(ctx context.Context, input memory.MemoryInput) (*memory.Memory, error) {
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
		Tags:      cloneTags(input.Tags),
		Media:     append(uploaded, input.Attachments...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Media == nil {
		m.Media = []memory.MediaAttachment{}
	}

	next := append([]*memory.Memory{m}, p.cache.Snapshot()...)
	if err := p.writeDocument(ctx, next); err != nil {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("create memory: %w", err)
	}

	p.cache.Prepend(m)
	return m.Clone(), nil
}

func (p *Provider) UpdateMemory(ctx context.Context, id string, upd memory.MemoryUpdate, newFiles []memory.File) (*memory.Memory, error) {
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
		m.Tags = cloneTags(*upd.Tags)
	}
	// New media is appended after what is already there, never merged in.
	m.Media = append(m.Media, uploaded...)
	m.UpdatedAt = time.Now().UTC()

	if err := p.persistReplace(ctx, m); err != nil {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("update memory: %w", err)
	}
	return m.Clone(), nil
}

func (p *Provider) DeleteMemory(ctx context.Context, id string) ([]storage.CleanupWarning, error) {
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
		if err := p.client.delete(ctx, att.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("media cleanup failed", "memory", id, "path", att.StoragePath, "error", err)
			warnings = append(warnings, storage.CleanupWarning{Op: "DeleteMemory", StoragePath: att.StoragePath, Err: err})
		}
	}

	var next []*memory.Memory
	for _, cur := range p.cache.Snapshot() {
		if cur.ID != id {
			next = append(next, cur)
		}
	}
	if err := p.writeDocument(ctx, next); err != nil {
		return warnings, fmt.Errorf("delete memory: %w", err)
	}

	p.cache.Remove(id)
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

func (p *Provider) DeleteMedia(ctx context.Context, mediaID, storagePath string) error {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return storage.E("DeleteMedia", storage.KindNotInitialized, nil)
	}

	err := p.client.delete(ctx, storagePath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete media %s: %w", mediaID, err)
	}
	return nil
}

func (p *Provider) RemoveMediaFromMemory(ctx context.Context, memoryID, mediaID string) ([]storage.CleanupWarning, error) {
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

	if err := p.persistReplace(ctx, m); err != nil {
		return nil, fmt.Errorf("remove media from memory: %w", err)
	}

	var warnings []storage.CleanupWarning
	if err := p.client.delete(ctx, removed.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("media cleanup failed", "memory", memoryID, "path", removed.StoragePath, "error", err)
		warnings = append(warnings, storage.CleanupWarning{Op: "RemoveMediaFromMemory", StoragePath: removed.StoragePath, Err: err})
	}
	return warnings, nil
}

func (p *Provider) SyncMode() storage.SyncMode { return storage.SyncPull }

// FetchChanges re-downloads the document and replaces the cache with it.
// Local state that was never written to the document is discarded.
func (p *Provider) FetchChanges(ctx context.Context) ([]*memory.Memory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("FetchChanges", storage.KindNotInitialized, nil)
	}

	ms, err := p.loadDocument(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch changes: %w", err)
	}
	p.cache.ReplaceAll(ms)
	return p.cache.Snapshot(), nil
}

// ForceSync uploads the current document, then re-downloads it.
func (p *Provider) ForceSync(ctx context.Context) (*storage.SyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("ForceSync", storage.KindNotInitialized, nil)
	}

	res := &storage.SyncResult{Success: true}

	snapshot := p.cache.Snapshot()
	if err := p.writeDocument(ctx, snapshot); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	res.Uploaded = len(snapshot)

	ms, err := p.loadDocument(ctx)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	p.cache.ReplaceAll(ms)
	res.Downloaded = len(ms)

	p.logger.Info("force sync complete", "uploaded", res.Uploaded, "downloaded", res.Downloaded)
	return res, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) docPath() string {
	return "users/" + p.userID + "/memories.json"
}

func (p *Provider) mediaPath(mediaID, ext string) string {
	return "users/" + p.userID + "/media/" + mediaID + ext
}

// loadDocument downloads and parses the collection. A missing document
// is an empty collection, not an error.
func (p *Provider) loadDocument(ctx context.Context) ([]*memory.Memory, error) {
	data, err := p.client.get(ctx, p.docPath())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	storage.SortMostRecentFirst(doc.Memories)
	return doc.Memories, nil
}

func (p *Provider) writeDocument(ctx context.Context, memories []*memory.Memory) error {
	if memories == nil {
		memories = []*memory.Memory{}
	}
	doc := document{
		Version:      documentVersion,
		LastModified: time.Now().UTC(),
		Memories:     memories,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return p.client.put(ctx, p.docPath(), "application/json", data)
}

// persistReplace writes the document with m swapped in, then commits m
// to the cache.
func (p *Provider) persistReplace(ctx context.Context, m *memory.Memory) error {
	next := p.cache.Snapshot()
	for i, cur := range next {
		if cur.ID == m.ID {
			next[i] = m
			break
		}
	}
	if err := p.writeDocument(ctx, next); err != nil {
		return err
	}
	p.cache.Update(m)
	return nil
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
	storagePath := p.mediaPath(id, strings.ToLower(path.Ext(f.Name)))

	if err := p.client.put(ctx, storagePath, contentType, f.Data); err != nil {
		return nil, err
	}

	return &memory.MediaAttachment{
		ID:          id,
		Type:        mediaType,
		URL:         p.client.fileURL(storagePath),
		FileName:    f.Name,
		StoragePath: storagePath,
	}, nil
}

// rollbackUploads removes blobs uploaded by an operation that failed
// before its record was written. Best effort; a fresh context is used so
// the cleanup still runs when the caller's context is gone.
func (p *Provider) rollbackUploads(atts []memory.MediaAttachment) {
	for _, att := range atts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.client.delete(ctx, att.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("rollback upload failed", "path", att.StoragePath, "error", err)
		}
		cancel()
	}
}

func cloneTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}
