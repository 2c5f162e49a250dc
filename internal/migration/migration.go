// Package migration moves one user's memories and media from the legacy
// document database into a target storage backend, under a possibly
// different user id. The transfer is one-shot and tolerant of partial
// failure: a missing blob or a rejected record is logged and skipped so
// a run rescues as much as it can, while connection and export failures
// abort the whole run.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

// maxBlobFetches bounds concurrent blob downloads within one record.
const maxBlobFetches = 4

// Source is the legacy backend read surface. The docstore implements it
// without requiring Initialize: migration inspects the shared collection
// directly by user id.
type Source interface {
	CountForUser(ctx context.Context, userID string) (int, error)
	MemoriesForUser(ctx context.Context, userID string) ([]*memory.Memory, error)
	FetchBlob(ctx context.Context, att memory.MediaAttachment) ([]byte, error)
}

// State is the engine phase exposed to progress consumers.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateFetching   State = "fetching"
	StateUploading  State = "uploading"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Progress is a point-in-time report delivered to the progress callback.
type Progress struct {
	State          State
	TotalItems     int
	CompletedItems int
	CurrentItem    string
}

// ProgressFunc receives progress updates. Single consumer: the last
// registered callback wins.
type ProgressFunc func(Progress)

// Check reports whether a user has anything to migrate.
type Check struct {
	Needed bool
	Count  int
}

// Export holds the normalized legacy records and the blob bytes that
// could be fetched, keyed by attachment id. An attachment missing from
// Blobs was skipped during export.
type Export struct {
	Memories []*memory.Memory
	Blobs    map[string][]byte
}

// ImportResult counts what one import pass achieved.
type ImportResult struct {
	Migrated     int
	SkippedMedia int
	Failed       []string
}

// Report summarizes one full migration run.
type Report struct {
	Status       State
	Total        int
	Migrated     int
	SkippedMedia int
	Failed       []string
}

// Engine drives check, export, and import. One run at a time per engine;
// a finished run resets the engine to idle so the caller can retry.
type Engine struct {
	source       Source
	target       storage.Provider
	legacyUserID string
	logger       *slog.Logger

	mu       sync.Mutex
	running  bool
	state    State
	progress ProgressFunc
}

func New(source Source, target storage.Provider, legacyUserID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:       source,
		target:       target,
		legacyUserID: legacyUserID,
		logger:       logger.With("component", "migration"),
		state:        StateIdle,
	}
}

// SetProgressFunc registers the progress consumer, replacing any
// previously registered one.
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.mu.Lock()
	e.progress = fn
	e.mu.Unlock()
}

// State returns the current engine phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Check counts the user's legacy records. No side effects.
func (e *Engine) Check(ctx context.Context) (Check, error) {
	n, err := e.source.CountForUser(ctx, e.legacyUserID)
	if err != nil {
		return Check{}, fmt.Errorf("count legacy records: %w", err)
	}
	return Check{Needed: n > 0, Count: n}, nil
}

// Export streams every legacy record plus whatever blob bytes can be
// fetched. Downloads run a few at a time; a failed download is logged
// and that attachment is simply absent from Blobs, never fatal.
func (e *Engine) Export(ctx context.Context) (*Export, error) {
	e.emit(StateConnecting, 0, 0, "")

	ms, err := e.source.MemoriesForUser(ctx, e.legacyUserID)
	if err != nil {
		e.emit(StateError, 0, 0, "")
		return nil, fmt.Errorf("list legacy memories: %w", err)
	}

	total := len(ms)
	blobs := make(map[string][]byte)
	var blobMu sync.Mutex

	for i, m := range ms {
		if err := ctx.Err(); err != nil {
			e.emit(StateError, total, i, "")
			return nil, err
		}
		e.emit(StateFetching, total, i, itemLabel(m))

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(maxBlobFetches)
		for _, att := range m.Media {
			att := att
			g.Go(func() error {
				data, ferr := e.source.FetchBlob(gCtx, att)
				if ferr != nil {
					// The record still migrates without this attachment.
					e.logger.Warn("blob fetch failed, attachment skipped",
						"record", m.ID, "attachment", att.ID, "file", att.FileName, "error", ferr)
					return nil
				}
				blobMu.Lock()
				blobs[att.ID] = data
				blobMu.Unlock()
				return nil
			})
		}
		_ = g.Wait() // fetch failures are recorded as skips above
	}
	e.emit(StateFetching, total, total, "")

	return &Export{Memories: ms, Blobs: blobs}, nil
}

// Import re-creates exported records through the target provider under
// newUserID. Available blobs are re-uploaded first and linked onto the
// created record in the same call. A per-record failure is logged and
// the loop continues.
func (e *Engine) Import(ctx context.Context, exp *Export, newUserID string) (*ImportResult, error) {
	total := len(exp.Memories)
	e.emit(StateUploading, total, 0, "")

	if err := e.target.Initialize(ctx, newUserID); err != nil {
		e.emit(StateError, total, 0, "")
		return nil, fmt.Errorf("initialize target: %w", err)
	}

	res := &ImportResult{}
	for i, m := range exp.Memories {
		if err := ctx.Err(); err != nil {
			e.emit(StateError, total, i, "")
			return res, err
		}
		e.emit(StateUploading, total, i, itemLabel(m))

		atts, skipped := e.uploadBlobs(ctx, m, exp.Blobs)
		res.SkippedMedia += skipped

		if _, err := e.target.CreateMemory(ctx, memory.MemoryInput{
			Text:        m.Text,
			Tags:        m.Tags,
			Attachments: atts,
		}); err != nil {
			e.logger.Warn("record import failed, continuing", "record", m.ID, "error", err)
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		res.Migrated++
	}
	e.emit(StateUploading, total, total, "")
	return res, nil
}

// Run executes check, export, import in order and reports the outcome.
// Concurrent runs on one engine fail fast; when Run returns the engine
// is idle again.
func (e *Engine) Run(ctx context.Context, newUserID string) (*Report, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.finish()

	e.emit(StateConnecting, 0, 0, "")
	chk, err := e.Check(ctx)
	if err != nil {
		e.emit(StateError, 0, 0, "")
		return &Report{Status: StateError}, err
	}
	if !chk.Needed {
		e.emit(StateComplete, 0, 0, "")
		e.logger.Info("nothing to migrate", "user", e.legacyUserID)
		return &Report{Status: StateComplete}, nil
	}

	exp, err := e.Export(ctx)
	if err != nil {
		return &Report{Status: StateError, Total: chk.Count}, err
	}

	res, err := e.Import(ctx, exp, newUserID)
	if err != nil {
		return &Report{Status: StateError, Total: chk.Count}, err
	}

	e.emit(StateComplete, chk.Count, chk.Count, "")
	report := &Report{
		Status:       StateComplete,
		Total:        len(exp.Memories),
		Migrated:     res.Migrated,
		SkippedMedia: res.SkippedMedia,
		Failed:       res.Failed,
	}
	e.logger.Info("migration finished",
		"total", report.Total, "migrated", report.Migrated,
		"skipped_media", report.SkippedMedia, "failed", len(report.Failed))
	return report, nil
}

// uploadBlobs re-uploads a record's fetched blobs through the target and
// returns the attachments to link. Attachments whose blob is missing or
// whose upload fails are skipped.
func (e *Engine) uploadBlobs(ctx context.Context, m *memory.Memory, blobs map[string][]byte) ([]memory.MediaAttachment, int) {
	var atts []memory.MediaAttachment
	skipped := 0
	for _, att := range m.Media {
		data, ok := blobs[att.ID]
		if !ok {
			// Already logged when the export fetch failed.
			skipped++
			continue
		}
		name := attachmentFileName(att)
		up, err := e.target.UploadMedia(ctx, memory.File{
			Name:     name,
			MIMEType: att.Type.MIME(name),
			Data:     data,
		})
		if err != nil {
			e.logger.Warn("media re-upload failed, attachment skipped",
				"record", m.ID, "attachment", att.ID, "file", name, "error", err)
			skipped++
			continue
		}
		atts = append(atts, *up)
	}
	return atts, skipped
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("migration already running")
	}
	e.running = true
	return nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.running = false
	e.state = StateIdle
	e.mu.Unlock()
}

// emit records the state and delivers a progress update. The callback
// runs outside the lock.
func (e *Engine) emit(state State, total, done int, current string) {
	e.mu.Lock()
	e.state = state
	fn := e.progress
	e.mu.Unlock()
	if fn != nil {
		fn(Progress{State: state, TotalItems: total, CompletedItems: done, CurrentItem: current})
	}
}

// itemLabel names a record in progress reports without dumping the
// whole text.
func itemLabel(m *memory.Memory) string {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return m.ID
	}
	if runes := []rune(text); len(runes) > 40 {
		return string(runes[:40])
	}
	return text
}

// attachmentFileName picks an upload name for a legacy attachment whose
// original file name may be gone.
func attachmentFileName(att memory.MediaAttachment) string {
	if att.FileName != "" {
		return att.FileName
	}
	if base := path.Base(att.StoragePath); base != "." && base != "/" && base != "" {
		return base
	}
	return att.ID
}
