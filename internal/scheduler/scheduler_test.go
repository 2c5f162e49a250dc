package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

type fakePuller struct {
	mu       sync.Mutex
	fetches  int
	forces   int
	fetchErr error
}

func (f *fakePuller) FetchChanges(ctx context.Context) ([]*memory.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []*memory.Memory{}, nil
}

func (f *fakePuller) ForceSync(ctx context.Context) (*storage.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces++
	return &storage.SyncResult{Success: true, Uploaded: 1}, nil
}

func (f *fakePuller) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.forces
}

// pendingPuller also tracks offline changes, so ticks should force-sync.
type pendingPuller struct {
	fakePuller
	pending bool
}

func (p *pendingPuller) HasPendingChanges() bool { return p.pending }
func (p *pendingPuller) PendingChangeCount() int {
	if p.pending {
		return 1
	}
	return 0
}

func waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !ok() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTicksFetchChanges(t *testing.T) {
	puller := &fakePuller{}
	s, err := New(puller, "@every 25ms", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "two fetch ticks", func() bool {
		fetches, _ := puller.counts()
		return fetches >= 2
	})
	if _, forces := puller.counts(); forces != 0 {
		t.Errorf("force sync should not run without pending changes, ran %d times", forces)
	}
}

func TestForceSyncWhenPendingChanges(t *testing.T) {
	puller := &pendingPuller{pending: true}
	s, err := New(puller, "@every 25ms", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "a force tick", func() bool {
		_, forces := puller.counts()
		return forces >= 1
	})
	if fetches, _ := puller.counts(); fetches != 0 {
		t.Errorf("fetch should be skipped while changes are pending, ran %d times", fetches)
	}
}

func TestFailedTickKeepsRunning(t *testing.T) {
	puller := &fakePuller{fetchErr: errors.New("backend down")}
	s, err := New(puller, "@every 25ms", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "two failed ticks", func() bool {
		return s.Stats().Errors >= 2
	})
	stats := s.Stats()
	if stats.Runs < 2 || stats.LastRun.IsZero() {
		t.Errorf("stats not tracking failed runs: %+v", stats)
	}
}

func TestStopHaltsTicks(t *testing.T) {
	puller := &fakePuller{}
	s, err := New(puller, "@every 25ms", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "first tick", func() bool {
		fetches, _ := puller.counts()
		return fetches >= 1
	})
	s.Stop()

	fetchesAtStop, _ := puller.counts()
	time.Sleep(100 * time.Millisecond)
	if fetches, _ := puller.counts(); fetches != fetchesAtStop {
		t.Errorf("ticks continued after stop: %d -> %d", fetchesAtStop, fetches)
	}

	// Stop again is a no-op.
	s.Stop()
}

func TestStartWhileRunningFails(t *testing.T) {
	s, err := New(&fakePuller{}, "@every 1h", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second start should fail")
	}
}

func TestScheduleValidation(t *testing.T) {
	if _, err := New(&fakePuller{}, "not a schedule", slog.Default()); err == nil {
		t.Error("expected error for malformed expression")
	}
	if _, err := New(nil, "@every 1m", slog.Default()); err == nil {
		t.Error("expected error for nil provider")
	}

	s, err := New(&fakePuller{}, "", slog.Default())
	if err != nil {
		t.Fatalf("empty expression should use the default: %v", err)
	}
	if s.expr != DefaultSchedule {
		t.Errorf("expected default schedule, got %q", s.expr)
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	puller := &fakePuller{}
	s, err := New(puller, "@every 25ms", slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first tick", func() bool {
		fetches, _ := puller.counts()
		return fetches >= 1
	})
	cancel()

	// The loop exits on its own; Stop still returns promptly afterwards.
	time.Sleep(50 * time.Millisecond)
	fetchesAfterCancel, _ := puller.counts()
	time.Sleep(100 * time.Millisecond)
	if fetches, _ := puller.counts(); fetches > fetchesAfterCancel+1 {
		t.Errorf("ticks continued after context cancel: %d -> %d", fetchesAfterCancel, fetches)
	}
	s.Stop()
}
