package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

type fakeSource struct {
	memories []*memory.Memory
	blobs    map[string][]byte
	failBlob map[string]bool
	listErr  error
	countErr error
}

func (s *fakeSource) CountForUser(ctx context.Context, userID string) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return len(s.memories), nil
}

func (s *fakeSource) MemoriesForUser(ctx context.Context, userID string) ([]*memory.Memory, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.memories, nil
}

func (s *fakeSource) FetchBlob(ctx context.Context, att memory.MediaAttachment) ([]byte, error) {
	if s.failBlob[att.ID] {
		return nil, errors.New("blob store unreachable")
	}
	data, ok := s.blobs[att.ID]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return data, nil
}

// fakeTarget records what the engine pushes through the provider
// contract. blockCreate, when set, stalls CreateMemory until released.
type fakeTarget struct {
	mu          sync.Mutex
	initUser    string
	initCalls   int
	initErr     error
	created     []memory.MemoryInput
	uploads     []memory.File
	failCreate  map[string]bool
	failUpload  map[string]bool
	blockCreate chan struct{}
	nextUpload  int
}

func (f *fakeTarget) Initialize(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initCalls++
	f.initUser = userID
	return nil
}

func (f *fakeTarget) CreateMemory(ctx context.Context, input memory.MemoryInput) (*memory.Memory, error) {
	if f.blockCreate != nil {
		<-f.blockCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[input.Text] {
		return nil, errors.New("backend rejected record")
	}
	f.created = append(f.created, input)
	return &memory.Memory{ID: fmt.Sprintf("new-%d", len(f.created)), Text: input.Text}, nil
}

func (f *fakeTarget) UploadMedia(ctx context.Context, file memory.File) (*memory.MediaAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload[file.Name] {
		return nil, errors.New("upload refused")
	}
	f.uploads = append(f.uploads, file)
	f.nextUpload++
	return &memory.MediaAttachment{
		ID:          fmt.Sprintf("up-%d", f.nextUpload),
		Type:        memory.ClassifyMIME(file.MIMEType),
		FileName:    file.Name,
		StoragePath: "migrated/" + file.Name,
	}, nil
}

func (f *fakeTarget) UpdateMemory(ctx context.Context, id string, upd memory.MemoryUpdate, newFiles []memory.File) (*memory.Memory, error) {
	return nil, errors.New("not used")
}

func (f *fakeTarget) DeleteMemory(ctx context.Context, id string) ([]storage.CleanupWarning, error) {
	return nil, errors.New("not used")
}

func (f *fakeTarget) Memories() []*memory.Memory { return nil }

func (f *fakeTarget) Memory(id string) (*memory.Memory, bool) { return nil, false }

func (f *fakeTarget) DeleteMedia(ctx context.Context, mediaID, storagePath string) error {
	return errors.New("not used")
}

func (f *fakeTarget) RemoveMediaFromMemory(ctx context.Context, memoryID, mediaID string) ([]storage.CleanupWarning, error) {
	return nil, errors.New("not used")
}

func (f *fakeTarget) SyncMode() storage.SyncMode { return storage.SyncPull }

func (f *fakeTarget) Close() error { return nil }

func legacyMemory(id, text string, atts ...memory.MediaAttachment) *memory.Memory {
	return &memory.Memory{
		ID:        id,
		UserID:    "legacy-user",
		Text:      text,
		Tags:      []string{"old"},
		Media:     atts,
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
		UpdatedAt: time.Now().Add(-time.Hour).UTC(),
	}
}

func newEngine(src *fakeSource, tgt *fakeTarget) *Engine {
	return New(src, tgt, "legacy-user", slog.Default())
}

func TestCheckCountsLegacyRecords(t *testing.T) {
	src := &fakeSource{memories: []*memory.Memory{
		legacyMemory("r1", "one"),
		legacyMemory("r2", "two"),
		legacyMemory("r3", "three"),
	}}
	e := newEngine(src, &fakeTarget{})

	chk, err := e.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !chk.Needed || chk.Count != 3 {
		t.Errorf("expected needed with count 3, got %+v", chk)
	}

	empty := newEngine(&fakeSource{}, &fakeTarget{})
	chk, err = empty.Check(context.Background())
	if err != nil {
		t.Fatalf("check empty: %v", err)
	}
	if chk.Needed || chk.Count != 0 {
		t.Errorf("expected nothing needed, got %+v", chk)
	}
}

func TestRunMigratesRecordsAndLinksMedia(t *testing.T) {
	att := memory.MediaAttachment{ID: "old-att", Type: memory.MediaImage, FileName: "beach.jpg", StoragePath: "media/old-att.jpg"}
	src := &fakeSource{
		memories: []*memory.Memory{
			legacyMemory("r1", "plain entry"),
			legacyMemory("r2", "entry with photo", att),
		},
		blobs: map[string][]byte{"old-att": []byte("jpeg bytes")},
	}
	tgt := &fakeTarget{}
	e := newEngine(src, tgt)

	report, err := e.Run(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StateComplete || report.Total != 2 || report.Migrated != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.SkippedMedia != 0 || len(report.Failed) != 0 {
		t.Errorf("expected clean run, got %+v", report)
	}
	if tgt.initUser != "new-user" || tgt.initCalls != 1 {
		t.Errorf("target initialized as %q (%d calls)", tgt.initUser, tgt.initCalls)
	}
	if len(tgt.uploads) != 1 || string(tgt.uploads[0].Data) != "jpeg bytes" {
		t.Fatalf("expected one re-uploaded blob, got %+v", tgt.uploads)
	}

	// The re-uploaded attachment is linked in the same create call.
	var withPhoto *memory.MemoryInput
	for i := range tgt.created {
		if tgt.created[i].Text == "entry with photo" {
			withPhoto = &tgt.created[i]
		}
	}
	if withPhoto == nil {
		t.Fatal("photo record never created")
	}
	if len(withPhoto.Attachments) != 1 || withPhoto.Attachments[0].ID != "up-1" {
		t.Errorf("uploaded attachment not linked: %+v", withPhoto.Attachments)
	}
	if len(withPhoto.MediaFiles) != 0 {
		t.Errorf("raw files should not be passed, got %d", len(withPhoto.MediaFiles))
	}
}

func TestPartialBlobFailureStillMigratesAll(t *testing.T) {
	badAtt := memory.MediaAttachment{ID: "att-3", Type: memory.MediaImage, FileName: "lost.jpg"}
	var ms []*memory.Memory
	for i := 1; i <= 5; i++ {
		if i == 3 {
			ms = append(ms, legacyMemory("r3", "record three", badAtt))
			continue
		}
		ms = append(ms, legacyMemory(fmt.Sprintf("r%d", i), fmt.Sprintf("record %d", i)))
	}
	src := &fakeSource{memories: ms, failBlob: map[string]bool{"att-3": true}}
	tgt := &fakeTarget{}
	e := newEngine(src, tgt)

	exp, err := e.Export(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exp.Memories) != 5 {
		t.Fatalf("expected all 5 records exported, got %d", len(exp.Memories))
	}
	if _, ok := exp.Blobs["att-3"]; ok {
		t.Error("failed blob should be absent from export")
	}

	res, err := e.Import(context.Background(), exp, "new-user")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Migrated != 5 || res.SkippedMedia != 1 || len(res.Failed) != 0 {
		t.Errorf("expected 5 migrated with 1 skipped attachment, got %+v", res)
	}

	// Record three arrived, just without its attachment.
	found := false
	for _, in := range tgt.created {
		if in.Text == "record three" {
			found = true
			if len(in.Attachments) != 0 {
				t.Errorf("record three should have no attachments, got %d", len(in.Attachments))
			}
		}
	}
	if !found {
		t.Error("record three missing from target")
	}
}

func TestRecordImportFailureSkipsAndContinues(t *testing.T) {
	src := &fakeSource{memories: []*memory.Memory{
		legacyMemory("r1", "fine"),
		legacyMemory("r2", "poison"),
		legacyMemory("r3", "also fine"),
	}}
	tgt := &fakeTarget{failCreate: map[string]bool{"poison": true}}
	e := newEngine(src, tgt)

	report, err := e.Run(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StateComplete {
		t.Errorf("per-record failure must not fail the run: %+v", report)
	}
	if report.Migrated != 2 || len(report.Failed) != 1 || report.Failed[0] != "r2" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestExportPhaseFailureIsFatal(t *testing.T) {
	src := &fakeSource{
		memories: []*memory.Memory{legacyMemory("r1", "unreachable")},
		listErr:  errors.New("database locked"),
	}
	tgt := &fakeTarget{}
	e := newEngine(src, tgt)

	report, err := e.Run(context.Background(), "new-user")
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if report.Status != StateError {
		t.Errorf("expected error status, got %+v", report)
	}
	if tgt.initCalls != 0 {
		t.Error("target must not be initialized when export fails")
	}
}

func TestRunWithNothingToMigrate(t *testing.T) {
	tgt := &fakeTarget{}
	e := newEngine(&fakeSource{}, tgt)

	report, err := e.Run(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StateComplete || report.Total != 0 || report.Migrated != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if tgt.initCalls != 0 {
		t.Error("target should stay untouched when nothing needs migrating")
	}
}

func TestConcurrentRunFailsFast(t *testing.T) {
	src := &fakeSource{memories: []*memory.Memory{legacyMemory("r1", "slow")}}
	tgt := &fakeTarget{blockCreate: make(chan struct{})}
	e := newEngine(src, tgt)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "new-user")
		done <- err
	}()

	// Wait until the first run is inside the import phase.
	deadline := time.After(5 * time.Second)
	for e.State() != StateUploading {
		select {
		case <-deadline:
			t.Fatal("first run never reached uploading")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := e.Run(context.Background(), "new-user"); err == nil {
		t.Error("second run should fail while the first is active")
	}

	close(tgt.blockCreate)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("engine should reset to idle, state is %s", e.State())
	}
}

func TestProgressSequence(t *testing.T) {
	att := memory.MediaAttachment{ID: "a1", Type: memory.MediaImage, FileName: "p.jpg"}
	src := &fakeSource{
		memories: []*memory.Memory{legacyMemory("r1", "first"), legacyMemory("r2", "second", att)},
		blobs:    map[string][]byte{"a1": []byte("x")},
	}
	e := newEngine(src, &fakeTarget{})

	var states []State
	e.SetProgressFunc(func(p Progress) { states = append(states, p.State) })

	if _, err := e.Run(context.Background(), "new-user"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(states) == 0 || states[0] != StateConnecting {
		t.Fatalf("expected connecting first, got %v", states)
	}
	if states[len(states)-1] != StateComplete {
		t.Errorf("expected complete last, got %v", states)
	}
	firstFetch, firstUpload := -1, -1
	for i, s := range states {
		if s == StateFetching && firstFetch < 0 {
			firstFetch = i
		}
		if s == StateUploading && firstUpload < 0 {
			firstUpload = i
		}
	}
	if firstFetch < 0 || firstUpload < 0 || firstFetch > firstUpload {
		t.Errorf("fetching must precede uploading: %v", states)
	}
	if e.State() != StateIdle {
		t.Errorf("engine should be idle after run, state is %s", e.State())
	}
}

func TestLastProgressFuncWins(t *testing.T) {
	src := &fakeSource{memories: []*memory.Memory{legacyMemory("r1", "only")}}
	e := newEngine(src, &fakeTarget{})

	firstCalls, secondCalls := 0, 0
	e.SetProgressFunc(func(Progress) { firstCalls++ })
	e.SetProgressFunc(func(Progress) { secondCalls++ })

	if _, err := e.Run(context.Background(), "new-user"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if firstCalls != 0 {
		t.Errorf("replaced callback still invoked %d times", firstCalls)
	}
	if secondCalls == 0 {
		t.Error("active callback never invoked")
	}
}

func TestUploadMIMEDerivation(t *testing.T) {
	atts := []memory.MediaAttachment{
		{ID: "a1", Type: memory.MediaImage, FileName: "pic.png"},
		{ID: "a2", Type: memory.MediaAudio, FileName: "voice.zz9"},
		{ID: "a3", Type: memory.MediaVideo},
	}
	src := &fakeSource{
		memories: []*memory.Memory{legacyMemory("r1", "mixed media", atts...)},
		blobs: map[string][]byte{
			"a1": []byte("png"), "a2": []byte("audio"), "a3": []byte("video"),
		},
	}
	tgt := &fakeTarget{}
	e := newEngine(src, tgt)

	if _, err := e.Run(context.Background(), "new-user"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tgt.uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(tgt.uploads))
	}

	byName := map[string]string{}
	for _, f := range tgt.uploads {
		byName[f.Name] = f.MIMEType
	}
	if byName["pic.png"] != "image/png" {
		t.Errorf("extension should win: %q", byName["pic.png"])
	}
	if byName["voice.zz9"] != "audio/mpeg" {
		t.Errorf("type tag should pick the fallback for unknown extensions: %q", byName["voice.zz9"])
	}
	if byName["a3"] != "video/mp4" {
		t.Errorf("nameless attachment should fall back to its id and type: %+v", byName)
	}
}

func TestUploadFailureSkipsAttachmentNotRecord(t *testing.T) {
	att := memory.MediaAttachment{ID: "a1", Type: memory.MediaImage, FileName: "refused.jpg"}
	src := &fakeSource{
		memories: []*memory.Memory{legacyMemory("r1", "photo entry", att)},
		blobs:    map[string][]byte{"a1": []byte("bytes")},
	}
	tgt := &fakeTarget{failUpload: map[string]bool{"refused.jpg": true}}
	e := newEngine(src, tgt)

	report, err := e.Run(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Migrated != 1 || report.SkippedMedia != 1 {
		t.Errorf("expected record migrated without its attachment, got %+v", report)
	}
	if len(tgt.created) != 1 || len(tgt.created[0].Attachments) != 0 {
		t.Errorf("record should be created without attachments: %+v", tgt.created)
	}
}
