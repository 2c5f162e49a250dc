// Package storage defines the provider contract every memory backend
// implements: CRUD over journal memories and their media, a local
// most-recent-first cache for reads, and one of two sync models,
// push (live change feed) or pull (explicit fetch).
package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// SyncMode declares how a provider learns about remote changes. Callers
// branch on this instead of probing for optional methods.
type SyncMode int

const (
	// SyncPush providers hold a live connection to the backend and
	// implement Pusher. They may also implement Puller for explicit
	// resync.
	SyncPush SyncMode = iota
	// SyncPull providers only observe remote changes when FetchChanges
	// or ForceSync runs. They implement Puller.
	SyncPull
)

func (m SyncMode) String() string {
	if m == SyncPush {
		return "push"
	}
	return "pull"
}

// Provider is the uniform storage contract. Reads (Memories, Memory) are
// served from the provider's cache and never touch the network; every
// mutating operation requires a successful Initialize first.
type Provider interface {
	// Initialize prepares backend structures for userID and loads the
	// cache. Idempotent for the same user; a different user resets all
	// local state before loading.
	Initialize(ctx context.Context, userID string) error

	// CreateMemory uploads input.MediaFiles in order, links any
	// pre-uploaded input.Attachments after them, writes the record, and
	// prepends it to the cache. No partial records: any upload failure
	// aborts the whole operation.
	CreateMemory(ctx context.Context, input memory.MemoryInput) (*memory.Memory, error)

	// UpdateMemory changes text/tags per upd (nil fields stay) and
	// appends newFiles to the existing media list. Fails KindNotFound
	// for absent ids.
	UpdateMemory(ctx context.Context, id string, upd memory.MemoryUpdate, newFiles []memory.File) (*memory.Memory, error)

	// DeleteMemory removes the record. Attachment blobs are deleted
	// best-effort first; each blob failure becomes a CleanupWarning and
	// never fails the delete itself.
	DeleteMemory(ctx context.Context, id string) ([]CleanupWarning, error)

	// Memories returns the cached list, most recent first.
	Memories() []*memory.Memory

	// Memory returns one cached record by id.
	Memory(id string) (*memory.Memory, bool)

	// UploadMedia stores a standalone blob and returns its attachment
	// metadata. The attachment is not linked to any memory.
	UploadMedia(ctx context.Context, f memory.File) (*memory.MediaAttachment, error)

	// DeleteMedia removes a blob by storage path. Already-gone blobs
	// are success, not an error.
	DeleteMedia(ctx context.Context, mediaID, storagePath string) error

	// RemoveMediaFromMemory unlinks one attachment, persists the
	// shortened list, then deletes the blob best-effort.
	RemoveMediaFromMemory(ctx context.Context, memoryID, mediaID string) ([]CleanupWarning, error)

	// SyncMode reports whether this provider pushes or pulls.
	SyncMode() SyncMode

	// Close releases connections and stops background work.
	Close() error
}

// ChangeFunc receives the full current memory list after any change.
type ChangeFunc func(memories []*memory.Memory)

// UnsubscribeFunc detaches a subscriber registered by SubscribeToChanges
// or an auth state listener.
type UnsubscribeFunc func()

// Pusher is implemented by SyncPush providers.
type Pusher interface {
	// SubscribeToChanges invokes fn immediately with the current cache,
	// then after every local or remote mutation.
	SubscribeToChanges(fn ChangeFunc) UnsubscribeFunc
}

// Puller is implemented by SyncPull providers (and by push providers
// that support explicit resync).
type Puller interface {
	// FetchChanges downloads the authoritative remote state and
	// replaces the cache wholesale.
	FetchChanges(ctx context.Context) ([]*memory.Memory, error)

	// ForceSync pushes unsent local state, then re-downloads.
	ForceSync(ctx context.Context) (*SyncResult, error)
}

// PendingTracker exposes the offline queue of providers that hold writes
// while the backend is unreachable.
type PendingTracker interface {
	HasPendingChanges() bool
	PendingChangeCount() int
}

// SyncResult summarizes one ForceSync round.
type SyncResult struct {
	Success    bool
	Uploaded   int
	Downloaded int
	Conflicts  int
	Errors     []string
}

// CleanupWarning records a best-effort cleanup step that failed. The
// primary operation already succeeded when warnings are returned.
type CleanupWarning struct {
	Op          string
	StoragePath string
	Err         error
}

func (w CleanupWarning) String() string {
	return fmt.Sprintf("%s: %s: %v", w.Op, w.StoragePath, w.Err)
}

// SortMostRecentFirst orders memories newest first by creation time,
// breaking ties by id descending (record ids are time-ordered).
func SortMostRecentFirst(ms []*memory.Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return ms[i].ID > ms[j].ID
	})
}
