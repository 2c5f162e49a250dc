// Package recordstore stores each memory as an individual record in a
// per-user zone on the record API. Writes touch one record at a time;
// media blobs live as separate assets and a record's attachment list is
// serialized into its media field. Remote changes arrive over a
// websocket feed, so the provider's sync mode is SyncPush. Writes made
// while the backend is unreachable are queued and drained by the next
// ForceSync.
package recordstore

import (
	"context"
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
	"github.com/keepsakehq/keepsake/internal/storage/httpapi"
)

const zonePrefix = "mem_"

// Config carries the record API endpoint and this device's registry
// identity.
type Config struct {
	BaseURL    string
	DeviceID   string
	DeviceName string
	// MaxQueueSize bounds the offline queue; 0 means the default.
	MaxQueueSize int
}

// Provider implements storage.Provider over the record API.
type Provider struct {
	client *client
	tokens auth.Provider
	logger *slog.Logger
	cfg    Config

	// mu serializes mutating operations. The change feed is never
	// stopped while mu is held: its reader takes mu too.
	mu          sync.Mutex
	userID      string
	zone        string
	initialized bool
	feed        *changeFeed

	cache     *storage.Cache
	queue     *pendingQueue
	listeners *storage.Listeners
}

var _ storage.Provider = (*Provider)(nil)
var _ storage.Pusher = (*Provider)(nil)
var _ storage.Puller = (*Provider)(nil)
var _ storage.PendingTracker = (*Provider)(nil)

func New(cfg Config, tokens auth.Provider, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recordstore")
	return &Provider{
		client:    newClient(httpapi.New(cfg.BaseURL, tokens, logger)),
		tokens:    tokens,
		logger:    logger,
		cfg:       cfg,
		cache:     storage.NewCache(),
		queue:     newPendingQueue(cfg.MaxQueueSize),
		listeners: storage.NewListeners(logger),
	}
}

// Initialize creates the user's zone (already existing is fine), loads
// its records into the cache and registers this device. Calling it
// again for the same user is a no-op; a different user drops the cache,
// the offline queue and the previous feed.
func (p *Provider) Initialize(ctx context.Context, userID string) error {
	if userID == "" {
		return storage.E("Initialize", storage.KindNotAuthenticated, errors.New("empty user id"))
	}
	if !p.tokens.IsSignedIn() {
		return storage.E("Initialize", storage.KindNotAuthenticated, nil)
	}

	p.mu.Lock()
	if p.initialized && p.userID == userID {
		p.mu.Unlock()
		return nil
	}
	feed := p.feed
	p.feed = nil
	p.mu.Unlock()

	// Stopped outside the lock: the feed reader takes p.mu to apply
	// events and stop waits for it to exit.
	if feed != nil {
		feed.stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache.Reset()
	p.queue.clear()
	p.initialized = false
	p.userID = userID
	p.zone = zonePrefix + userID

	if err := p.client.createZone(ctx, p.zone); err != nil {
		return fmt.Errorf("initialize: create zone: %w", err)
	}
	recs, err := p.client.listRecords(ctx, p.zone)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	ms := p.decodeRecords(recs)
	p.cache.ReplaceAll(ms)
	p.initialized = true

	p.registerDevice(ctx)
	if p.listeners.Len() > 0 {
		p.startFeedLocked()
	}

	p.logger.Info("initialized", "user", userID, "zone", p.zone, "memories", len(ms))
	return nil
}

// CreateMemory uploads the input files, writes one new record and
// prepends it to the cache. When the backend is unreachable the change
// is queued and the call still succeeds: the cache gains the record
// immediately and the queued change carries whatever is left to push.
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

	uploaded, remaining, err := p.uploadFiles(ctx, input.MediaFiles)
	if err != nil && storage.KindOf(err) != storage.KindNetwork {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("create memory: %w", err)
	}
	offline := err != nil

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

	if !offline {
		err = p.client.createRecord(ctx, p.zone, toWire(m))
		switch {
		case err == nil:
		case storage.KindOf(err) == storage.KindNetwork:
			offline = true
		default:
			p.rollbackUploads(uploaded)
			return nil, fmt.Errorf("create memory: %w", err)
		}
	}
	if offline {
		p.enqueueChange(memory.ChangeCreate, m, remaining)
	}

	p.cache.Prepend(m)
	notify = true
	return m.Clone(), nil
}

// UpdateMemory changes text/tags per upd and appends newly uploaded
// attachments to the record's media list. Unreachable backend queues
// the full updated state.
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

	uploaded, remaining, err := p.uploadFiles(ctx, newFiles)
	if err != nil && storage.KindOf(err) != storage.KindNetwork {
		p.rollbackUploads(uploaded)
		return nil, fmt.Errorf("update memory: %w", err)
	}
	offline := err != nil

	if upd.Text != nil {
		m.Text = *upd.Text
	}
	if upd.Tags != nil {
		m.Tags = cloneTags(*upd.Tags)
	}
	// New media is appended after what is already there, never merged in.
	m.Media = append(m.Media, uploaded...)
	m.UpdatedAt = time.Now().UTC()

	if !offline {
		err = p.client.updateRecord(ctx, p.zone, toWire(m))
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			p.rollbackUploads(uploaded)
			return nil, storage.E("UpdateMemory", storage.KindNotFound, err)
		case storage.KindOf(err) == storage.KindNetwork:
			offline = true
		default:
			p.rollbackUploads(uploaded)
			return nil, fmt.Errorf("update memory: %w", err)
		}
	}
	if offline {
		p.enqueueChange(memory.ChangeUpdate, m, remaining)
	}

	p.cache.Update(m)
	notify = true
	return m.Clone(), nil
}

// DeleteMemory removes the record and best-effort deletes its asset
// blobs. An unreachable backend queues the delete; blob cleanup then
// happens when the queue drains.
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
	offline := false
	for _, att := range m.Media {
		err := p.client.deleteAsset(ctx, att.StoragePath)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if storage.KindOf(err) == storage.KindNetwork {
			offline = true
			break
		}
		p.logger.Warn("media cleanup failed", "memory", id, "path", att.StoragePath, "error", err)
		warnings = append(warnings, storage.CleanupWarning{Op: "DeleteMemory", StoragePath: att.StoragePath, Err: err})
	}

	if !offline {
		err := p.client.deleteRecord(ctx, p.zone, id)
		switch {
		case err == nil, errors.Is(err, storage.ErrNotFound):
		case storage.KindOf(err) == storage.KindNetwork:
			offline = true
		default:
			return warnings, fmt.Errorf("delete memory: %w", err)
		}
	}
	if offline {
		p.enqueueChange(memory.ChangeDelete, m, nil)
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

// UploadMedia stores a standalone asset. Unlike record writes it is not
// queued offline: the caller holds bytes that only exist in this call,
// so an unreachable backend is a hard failure.
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

	err := p.client.deleteAsset(ctx, storagePath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
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

	offline := false
	err := p.client.updateRecord(ctx, p.zone, toWire(m))
	switch {
	case err == nil:
	case storage.KindOf(err) == storage.KindNetwork:
		offline = true
	default:
		return nil, fmt.Errorf("remove media from memory: %w", err)
	}
	if offline {
		p.enqueueChange(memory.ChangeUpdate, m, nil)
	}

	p.cache.Update(m)
	notify = true

	var warnings []storage.CleanupWarning
	if err := p.client.deleteAsset(ctx, removed.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("media cleanup failed", "memory", memoryID, "path", removed.StoragePath, "error", err)
		warnings = append(warnings, storage.CleanupWarning{Op: "RemoveMediaFromMemory", StoragePath: removed.StoragePath, Err: err})
	}
	return warnings, nil
}

func (p *Provider) SyncMode() storage.SyncMode { return storage.SyncPush }

// SubscribeToChanges registers fn, invoking it immediately with the
// current cache. The first subscriber starts the change feed.
func (p *Provider) SubscribeToChanges(fn storage.ChangeFunc) storage.UnsubscribeFunc {
	p.mu.Lock()
	if p.initialized && p.feed == nil {
		p.startFeedLocked()
	}
	p.mu.Unlock()

	return p.listeners.Subscribe(fn, p.cache.Snapshot())
}

// FetchChanges re-downloads the zone and replaces the cache with it.
func (p *Provider) FetchChanges(ctx context.Context) ([]*memory.Memory, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("FetchChanges", storage.KindNotInitialized, nil)
	}

	recs, err := p.client.listRecords(ctx, p.zone)
	if err != nil {
		return nil, fmt.Errorf("fetch changes: %w", err)
	}
	p.cache.ReplaceAll(p.decodeRecords(recs))
	notify = true
	return p.cache.Snapshot(), nil
}

// ForceSync drains the offline queue, then re-downloads the zone. A
// change that still cannot reach the backend goes back to the front of
// the queue and the result reports Success=false.
func (p *Provider) ForceSync(ctx context.Context) (*storage.SyncResult, error) {
	notify := false
	defer func() {
		if notify {
			p.listeners.Notify(p.cache.Snapshot())
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, storage.E("ForceSync", storage.KindNotInitialized, nil)
	}

	res := &storage.SyncResult{Success: true}
	p.flushQueue(ctx, res)

	recs, err := p.client.listRecords(ctx, p.zone)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		notify = res.Uploaded > 0
		return res, nil
	}
	ms := p.decodeRecords(recs)
	p.cache.ReplaceAll(ms)
	res.Downloaded = len(ms)
	notify = true

	p.logger.Info("force sync complete",
		"uploaded", res.Uploaded,
		"downloaded", res.Downloaded,
		"conflicts", res.Conflicts,
		"pending", p.queue.size())
	return res, nil
}

func (p *Provider) HasPendingChanges() bool {
	return p.queue.size() > 0
}

func (p *Provider) PendingChangeCount() int {
	return p.queue.size()
}

// Devices lists the zone's device registry.
func (p *Provider) Devices(ctx context.Context) ([]Device, error) {
	p.mu.Lock()
	initialized, zone := p.initialized, p.zone
	p.mu.Unlock()
	if !initialized {
		return nil, storage.E("Devices", storage.KindNotInitialized, nil)
	}
	return p.client.listDevices(ctx, zone)
}

func (p *Provider) Close() error {
	p.mu.Lock()
	feed := p.feed
	p.feed = nil
	p.initialized = false
	p.mu.Unlock()

	if feed != nil {
		feed.stop()
	}
	return nil
}

// startFeedLocked connects the change feed for the current zone.
// Caller holds p.mu.
func (p *Provider) startFeedLocked() {
	p.feed = newChangeFeed(p.client.feedURL(p.zone), p.tokens, p.logger, p.applyFeedEvent)
	p.feed.start()
}

// applyFeedEvent folds one remote change into the cache. Runs on the
// feed reader goroutine; it must take p.mu only briefly.
func (p *Provider) applyFeedEvent(ev feedEvent) {
	p.mu.Lock()
	initialized, userID := p.initialized, p.userID
	p.mu.Unlock()
	if !initialized {
		return
	}

	switch ev.Type {
	case eventRecordCreated, eventRecordUpdated:
		m := ev.Record.toMemory(userID, p.logger)
		if !p.cache.Update(m) {
			p.cache.Prepend(m)
		}
	case eventRecordDeleted:
		id := ev.RecordID
		if id == "" {
			id = ev.Record.ID
		}
		if !p.cache.Remove(id) {
			return
		}
	default:
		p.logger.Debug("unknown feed event", "type", ev.Type)
		return
	}
	p.listeners.Notify(p.cache.Snapshot())
}

// flushQueue pushes queued changes oldest first. A network failure puts
// the change back and stops the drain; any other failure drops the
// change and is recorded in res.Errors.
func (p *Provider) flushQueue(ctx context.Context, res *storage.SyncResult) {
	for {
		ch := p.queue.dequeue()
		if ch == nil {
			return
		}
		err := p.pushChange(ctx, ch, res)
		if err == nil {
			res.Uploaded++
			continue
		}
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		if storage.KindOf(err) == storage.KindNetwork {
			p.queue.requeueFront(ch)
			return
		}
		p.logger.Warn("dropping unpushable change",
			"change", ch.ID,
			"type", ch.Type,
			"memory", ch.MemoryID,
			"error", err)
	}
}

// pushChange replays one queued change against the backend.
func (p *Provider) pushChange(ctx context.Context, ch *memory.PendingChange, res *storage.SyncResult) error {
	switch ch.Type {
	case memory.ChangeCreate, memory.ChangeUpdate:
		uploaded, remaining, err := p.uploadFiles(ctx, ch.MediaFiles)
		ch.Memory.Media = append(ch.Memory.Media, uploaded...)
		ch.MediaFiles = remaining
		if err != nil {
			return fmt.Errorf("push %s: %w", ch.Type, err)
		}
		p.cache.Update(ch.Memory)

		if ch.Type == memory.ChangeCreate {
			err = p.client.createRecord(ctx, p.zone, toWire(ch.Memory))
			if errors.Is(err, storage.ErrSyncConflict) {
				res.Conflicts++
				return p.resolveByTimestamp(ctx, ch.Memory)
			}
			return err
		}

		remote, err := p.client.getRecord(ctx, p.zone, ch.MemoryID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Deleted remotely while we were offline; the delete wins.
			res.Conflicts++
			p.cache.Remove(ch.MemoryID)
			return nil
		case err != nil:
			return err
		}
		if remote.UpdatedAt.After(ch.Memory.UpdatedAt) {
			res.Conflicts++
			return nil
		}
		return p.client.updateRecord(ctx, p.zone, toWire(ch.Memory))

	case memory.ChangeDelete:
		for _, att := range ch.Memory.Media {
			err := p.client.deleteAsset(ctx, att.StoragePath)
			if err == nil || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if storage.KindOf(err) == storage.KindNetwork {
				return err
			}
			p.logger.Warn("media cleanup failed", "memory", ch.MemoryID, "path", att.StoragePath, "error", err)
		}
		err := p.client.deleteRecord(ctx, p.zone, ch.MemoryID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// resolveByTimestamp settles a create that collided with an existing
// record: the newer UpdatedAt wins.
func (p *Provider) resolveByTimestamp(ctx context.Context, m *memory.Memory) error {
	remote, err := p.client.getRecord(ctx, p.zone, m.ID)
	if err != nil {
		return err
	}
	if !remote.UpdatedAt.Before(m.UpdatedAt) {
		return nil
	}
	return p.client.updateRecord(ctx, p.zone, toWire(m))
}

func (p *Provider) enqueueChange(typ memory.ChangeType, m *memory.Memory, files []memory.File) {
	p.queue.enqueue(&memory.PendingChange{
		ID:         memory.NewChangeID(),
		Type:       typ,
		MemoryID:   m.ID,
		Memory:     m.Clone(),
		MediaFiles: files,
		QueuedAt:   time.Now().UTC(),
	})
	p.logger.Info("backend unreachable, queued change",
		"type", typ,
		"memory", m.ID,
		"pending", p.queue.size())
}

// decodeRecords turns wire records into memories, newest first.
// Caller holds p.mu.
func (p *Provider) decodeRecords(recs []wireRecord) []*memory.Memory {
	ms := make([]*memory.Memory, 0, len(recs))
	for _, r := range recs {
		ms = append(ms, r.toMemory(p.userID, p.logger))
	}
	storage.SortMostRecentFirst(ms)
	return ms
}

// registerDevice is best effort; a zone without a registry entry still
// syncs. Caller holds p.mu.
func (p *Provider) registerDevice(ctx context.Context) {
	if p.cfg.DeviceID == "" {
		return
	}
	dev := Device{ID: p.cfg.DeviceID, Name: p.cfg.DeviceName, LastSeen: time.Now().UTC()}
	if err := p.client.upsertDevice(ctx, p.zone, dev); err != nil {
		p.logger.Warn("device registration failed", "device", p.cfg.DeviceID, "error", err)
	}
}

// uploadFiles uploads in order. On failure it returns what made it up
// and the files that did not, so offline callers can queue the rest.
func (p *Provider) uploadFiles(ctx context.Context, files []memory.File) (uploaded []memory.MediaAttachment, remaining []memory.File, err error) {
	for i, f := range files {
		att, uerr := p.uploadOne(ctx, f)
		if uerr != nil {
			return uploaded, files[i:], fmt.Errorf("upload %s: %w", f.Name, uerr)
		}
		uploaded = append(uploaded, *att)
	}
	return uploaded, nil, nil
}

func (p *Provider) uploadOne(ctx context.Context, f memory.File) (*memory.MediaAttachment, error) {
	contentType := f.MIMEType
	if contentType == "" {
		contentType = memory.MediaImage.MIME(f.Name)
	}
	mediaType := memory.ClassifyMIME(contentType)

	id := memory.NewMediaID()
	storagePath := p.zone + "/" + id + strings.ToLower(path.Ext(f.Name))

	if err := p.client.putAsset(ctx, storagePath, contentType, f.Data); err != nil {
		return nil, err
	}

	return &memory.MediaAttachment{
		ID:          id,
		Type:        mediaType,
		URL:         p.client.assetURL(storagePath),
		FileName:    f.Name,
		StoragePath: storagePath,
	}, nil
}

// rollbackUploads removes blobs uploaded by an operation that failed
// before its record was written. Best effort; a fresh context is used
// so the cleanup still runs when the caller's context is gone.
func (p *Provider) rollbackUploads(atts []memory.MediaAttachment) {
	for _, att := range atts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.client.deleteAsset(ctx, att.StoragePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
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
