// Package memory defines the entities shared by every storage backend:
// journal memories, their media attachments, raw upload payloads, and the
// change records queued while a backend is unreachable.
package memory

import "time"

// MediaType classifies an attachment for upload and display.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// MediaAttachment is a stored media file linked to a memory.
//
// StoragePath is the backend-relative locator used for deletion and
// re-download; URL is a fetch convenience that may expire or require
// auth headers, so it is never used as a deletion key.
type MediaAttachment struct {
	ID          string    `json:"id"`
	Type        MediaType `json:"type"`
	URL         string    `json:"url"`
	FileName    string    `json:"fileName"`
	StoragePath string    `json:"storagePath"`
}

// Memory is a single journal entry. Media order is display order and is
// preserved exactly across save/load round-trips.
type Memory struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Text      string            `json:"text"`
	Tags      []string          `json:"tags"`
	Media     []MediaAttachment `json:"media"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so cache snapshots can be handed to callers
// without aliasing internal state.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	if m.Tags != nil {
		out.Tags = make([]string, len(m.Tags))
		copy(out.Tags, m.Tags)
	}
	if m.Media != nil {
		out.Media = make([]MediaAttachment, len(m.Media))
		copy(out.Media, m.Media)
	}
	return &out
}

// File is a raw media payload captured on the device, not yet uploaded.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// MemoryInput is the payload for creating a memory. MediaFiles are uploaded
// by the storage provider before the record is written; Attachments carries
// media that was already uploaded (e.g. by the migration engine) and is
// linked as-is after the uploaded files.
type MemoryInput struct {
	Text        string
	Tags        []string
	MediaFiles  []File
	Attachments []MediaAttachment
}

// MemoryUpdate mutates text and tags. A nil field leaves the current value
// unchanged.
type MemoryUpdate struct {
	Text *string
	Tags *[]string
}

// ChangeType identifies a queued offline operation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// PendingChange is a write that could not reach the backend and waits in
// the offline queue. Memory carries the record state to push (full record
// for creates and updates, the pre-delete snapshot for deletes so blob
// cleanup can still run); MediaFiles are payloads not yet uploaded.
type PendingChange struct {
	ID         string     `json:"id"`
	Type       ChangeType `json:"type"`
	MemoryID   string     `json:"memoryId"`
	Memory     *Memory    `json:"memory,omitempty"`
	MediaFiles []File     `json:"-"`
	QueuedAt   time.Time  `json:"queuedAt"`
}
