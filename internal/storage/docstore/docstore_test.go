package docstore

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{
		Path:         filepath.Join(t.TempDir(), "legacy.db"),
		PollInterval: 50 * time.Millisecond,
	}, slog.Default())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { p.Close() }) //nolint:errcheck
	return p
}

func initialized(t *testing.T, p *Provider, user string) {
	t.Helper()
	if err := p.Initialize(context.Background(), user); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

// seedRow inserts a legacy row directly, bypassing the provider, the way
// the previous app generation wrote it.
func seedRow(t *testing.T, p *Provider, userID, id, text, tagsJSON, mediaJSON string, at int64) {
	t.Helper()
	_, err := p.db.Exec(
		`INSERT INTO memories(id, user_id, text, tags, media, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, userID, text, tagsJSON, mediaJSON, at, at)
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}
}

func TestCreateListRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	first, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "first", Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "second"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	ms := p.Memories()
	if len(ms) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(ms))
	}
	if ms[0].ID != second.ID || ms[1].ID != first.ID {
		t.Errorf("expected most recent first, got %s then %s", ms[0].Text, ms[1].Text)
	}
	if got, ok := p.Memory(first.ID); !ok || got.Text != "first" || len(got.Tags) != 2 {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if !first.CreatedAt.Equal(first.UpdatedAt) {
		t.Error("expected CreatedAt == UpdatedAt on create")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.db")
	ctx := context.Background()

	p, err := New(Config{Path: path}, slog.Default())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	initialized(t, p, "u1")
	m, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "durable", Tags: []string{"keep"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(Config{Path: path}, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close() //nolint:errcheck
	initialized(t, reopened, "u1")

	got, ok := reopened.Memory(m.ID)
	if !ok {
		t.Fatal("memory lost across reopen")
	}
	if got.Text != "durable" || len(got.Tags) != 1 || got.Tags[0] != "keep" {
		t.Errorf("fields lost across reopen: %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("created at drifted: %v vs %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestCreateWithMediaStoresBlob(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	data := []byte("jpeg bytes")
	m, err := p.CreateMemory(ctx, memory.MemoryInput{
		Text:       "with photo",
		MediaFiles: []memory.File{{Name: "sky.JPG", MIMEType: "image/jpeg", Data: data}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(m.Media) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(m.Media))
	}
	att := m.Media[0]
	if att.Type != memory.MediaImage {
		t.Errorf("expected image type, got %s", att.Type)
	}
	if filepath.Ext(att.StoragePath) != ".jpg" {
		t.Errorf("expected lowercased extension, got %s", att.StoragePath)
	}

	blob, err := p.FetchBlob(ctx, att)
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	if string(blob) != string(data) {
		t.Errorf("blob bytes changed: %q", blob)
	}
}

func TestUpdateMemory(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	m, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "before", Tags: []string{"old"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	text := "after"
	tags := []string{"new", "tags"}
	updated, err := p.UpdateMemory(ctx, m.ID, memory.MemoryUpdate{Text: &text, Tags: &tags}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Text != "after" || len(updated.Tags) != 2 {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.UpdatedAt.Before(m.UpdatedAt) {
		t.Error("UpdatedAt went backwards")
	}

	// Persisted, not just cached.
	rows, err := p.MemoriesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("memories for user: %v", err)
	}
	if len(rows) != 1 || rows[0].Text != "after" {
		t.Errorf("update not persisted: %+v", rows)
	}

	if _, err := p.UpdateMemory(ctx, "ghost", memory.MemoryUpdate{Text: &text}, nil); storage.KindOf(err) != storage.KindNotFound {
		t.Errorf("expected not_found for ghost id, got %v", err)
	}
}

func TestDeleteMemoryRemovesBlobs(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	m, err := p.CreateMemory(ctx, memory.MemoryInput{
		Text:       "doomed",
		MediaFiles: []memory.File{{Name: "clip.mp4", MIMEType: "video/mp4", Data: []byte("vid")}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	att := m.Media[0]

	warnings, err := p.DeleteMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if _, ok := p.Memory(m.ID); ok {
		t.Error("memory still cached after delete")
	}
	if _, err := p.FetchBlob(ctx, att); storage.KindOf(err) != storage.KindNotFound {
		t.Errorf("expected blob gone, got %v", err)
	}
}

func TestRemoveMediaFromMemory(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	m, err := p.CreateMemory(ctx, memory.MemoryInput{
		Text: "two attachments",
		MediaFiles: []memory.File{
			{Name: "keep.jpg", MIMEType: "image/jpeg", Data: []byte("keep")},
			{Name: "drop.jpg", MIMEType: "image/jpeg", Data: []byte("drop")},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dropped := m.Media[1]

	warnings, err := p.RemoveMediaFromMemory(ctx, m.ID, dropped.ID)
	if err != nil {
		t.Fatalf("remove media: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	got, _ := p.Memory(m.ID)
	if len(got.Media) != 1 || got.Media[0].FileName != "keep.jpg" {
		t.Errorf("expected only keep.jpg left, got %+v", got.Media)
	}
	if _, err := p.FetchBlob(ctx, dropped); storage.KindOf(err) != storage.KindNotFound {
		t.Errorf("expected dropped blob gone, got %v", err)
	}

	if _, err := p.RemoveMediaFromMemory(ctx, m.ID, "ghost-media"); storage.KindOf(err) != storage.KindNotFound {
		t.Errorf("expected not_found for ghost media, got %v", err)
	}
}

func TestOpsBeforeInitialize(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	ops := map[string]func() error{
		"create": func() error {
			_, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "x"})
			return err
		},
		"update": func() error {
			text := "x"
			_, err := p.UpdateMemory(ctx, "id", memory.MemoryUpdate{Text: &text}, nil)
			return err
		},
		"delete": func() error {
			_, err := p.DeleteMemory(ctx, "id")
			return err
		},
		"upload": func() error {
			_, err := p.UploadMedia(ctx, memory.File{Name: "a.jpg", Data: []byte("x")})
			return err
		},
		"remove media": func() error {
			_, err := p.RemoveMediaFromMemory(ctx, "id", "mid")
			return err
		},
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, storage.ErrNotInitialized) {
			t.Errorf("%s before initialize: expected not_initialized, got %v", name, err)
		}
	}
}

func TestMultiUserIsolation(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	initialized(t, p, "u-a")
	if _, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "belongs to a"}); err != nil {
		t.Fatalf("create for a: %v", err)
	}

	initialized(t, p, "u-b")
	if n := len(p.Memories()); n != 0 {
		t.Fatalf("user b sees %d of user a's memories", n)
	}
	if _, err := p.CreateMemory(ctx, memory.MemoryInput{Text: "belongs to b"}); err != nil {
		t.Fatalf("create for b: %v", err)
	}

	countA, err := p.CountForUser(ctx, "u-a")
	if err != nil {
		t.Fatalf("count a: %v", err)
	}
	countB, err := p.CountForUser(ctx, "u-b")
	if err != nil {
		t.Fatalf("count b: %v", err)
	}
	if countA != 1 || countB != 1 {
		t.Errorf("expected 1 row each, got a=%d b=%d", countA, countB)
	}

	msA, err := p.MemoriesForUser(ctx, "u-a")
	if err != nil {
		t.Fatalf("memories for a: %v", err)
	}
	if len(msA) != 1 || msA[0].Text != "belongs to a" {
		t.Errorf("user filter leaked: %+v", msA)
	}
}

func TestSourceQueriesWorkWithoutInitialize(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	seedRow(t, p, "legacy-user", "rec-1", "old entry", `["travel"]`, `[]`, time.Now().UnixMilli())

	n, err := p.CountForUser(ctx, "legacy-user")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	ms, err := p.MemoriesForUser(ctx, "legacy-user")
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	if len(ms) != 1 || ms[0].Tags[0] != "travel" {
		t.Errorf("seeded row not readable: %+v", ms)
	}
}

func TestMemoriesForUserNewestFirst(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	seedRow(t, p, "u1", "rec-old", "old", `[]`, `[]`, base-10_000)
	seedRow(t, p, "u1", "rec-new", "new", `[]`, `[]`, base)

	ms, err := p.MemoriesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	if len(ms) != 2 || ms[0].ID != "rec-new" || ms[1].ID != "rec-old" {
		t.Errorf("expected newest first, got %+v", ms)
	}
}

func TestCorruptColumnsDegrade(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	seedRow(t, p, "u1", "rec-bad", "survives", `{{not json`, `also not json`, time.Now().UnixMilli())

	ms, err := p.MemoriesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("corrupt row dropped entirely: %d rows", len(ms))
	}
	m := ms[0]
	if m.Text != "survives" {
		t.Errorf("text lost: %q", m.Text)
	}
	if m.Tags == nil || len(m.Tags) != 0 {
		t.Errorf("expected empty tags, got %#v", m.Tags)
	}
	if m.Media == nil || len(m.Media) != 0 {
		t.Errorf("expected empty media, got %#v", m.Media)
	}
}

func TestFetchBlobFromFileURL(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("on disk"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	data, err := p.FetchBlob(ctx, memory.MediaAttachment{
		StoragePath: "not-in-table",
		URL:         "file://" + path,
	})
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	if string(data) != "on disk" {
		t.Errorf("wrong bytes: %q", data)
	}
}

func TestFetchBlobFromHTTPURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("remote bytes")) //nolint:errcheck
	}))
	defer srv.Close()

	p := newTestProvider(t)
	ctx := context.Background()

	data, err := p.FetchBlob(ctx, memory.MediaAttachment{StoragePath: "absent", URL: srv.URL + "/media/pic.jpg"})
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	if string(data) != "remote bytes" {
		t.Errorf("wrong bytes: %q", data)
	}

	if _, err := p.FetchBlob(ctx, memory.MediaAttachment{StoragePath: "absent", URL: srv.URL + "/gone"}); err == nil {
		t.Error("expected error for http 404")
	}
}

func TestFetchBlobDigestMismatch(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.db.Exec(
		`INSERT INTO media_blobs(storage_path, data, digest) VALUES(?, ?, ?)`,
		"media/corrupt.jpg", []byte("tampered"), digestOf([]byte("original")))
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	if _, err := p.FetchBlob(ctx, memory.MediaAttachment{StoragePath: "media/corrupt.jpg"}); err == nil {
		t.Error("expected digest mismatch error")
	}
}

func TestDeleteMediaIdempotent(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")
	ctx := context.Background()

	att, err := p.UploadMedia(ctx, memory.File{Name: "solo.png", MIMEType: "image/png", Data: []byte("px")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := p.DeleteMedia(ctx, att.ID, att.StoragePath); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.DeleteMedia(ctx, att.ID, att.StoragePath); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
}

func TestPollNotifiesOnOutOfBandChange(t *testing.T) {
	p := newTestProvider(t)
	initialized(t, p, "u1")

	snapshots := make(chan []*memory.Memory, 16)
	unsub := p.SubscribeToChanges(func(ms []*memory.Memory) {
		snapshots <- ms
	})
	defer unsub()

	// Immediate snapshot of the empty cache.
	waitSnapshot(t, snapshots, func(ms []*memory.Memory) bool { return len(ms) == 0 })

	// Another process writes the shared database behind our back.
	seedRow(t, p, "u1", "rec-external", "from the old app", `[]`, `[]`, time.Now().UnixMilli())

	waitSnapshot(t, snapshots, func(ms []*memory.Memory) bool {
		return len(ms) == 1 && ms[0].ID == "rec-external"
	})

	if _, err := p.db.Exec(`DELETE FROM memories WHERE id = ?`, "rec-external"); err != nil {
		t.Fatalf("external delete: %v", err)
	}
	waitSnapshot(t, snapshots, func(ms []*memory.Memory) bool { return len(ms) == 0 })
}

func waitSnapshot(t *testing.T, ch <-chan []*memory.Memory, ok func([]*memory.Memory) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ms := <-ch:
			if ok(ms) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestSyncModeIsPush(t *testing.T) {
	p := newTestProvider(t)
	if p.SyncMode() != storage.SyncPush {
		t.Errorf("expected push mode, got %s", p.SyncMode())
	}
}
