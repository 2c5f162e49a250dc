package storage

import (
	"log/slog"
	"testing"

	"github.com/keepsakehq/keepsake/internal/memory"
)

func TestSubscribeInvokesImmediately(t *testing.T) {
	l := NewListeners(slog.Default())
	current := []*memory.Memory{mem("a", "hello")}

	var got []*memory.Memory
	l.Subscribe(func(ms []*memory.Memory) { got = ms }, current)

	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("immediate callback got %v", got)
	}
}

func TestNotifyFansOut(t *testing.T) {
	l := NewListeners(slog.Default())
	counts := make([]int, 3)
	for i := range counts {
		i := i
		l.Subscribe(func([]*memory.Memory) { counts[i]++ }, nil)
	}

	l.Notify(nil)

	for i, n := range counts {
		// 1 immediate + 1 notify
		if n != 2 {
			t.Errorf("listener %d called %d times, want 2", i, n)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := NewListeners(slog.Default())
	var calls int
	unsub := l.Subscribe(func([]*memory.Memory) { calls++ }, nil)

	unsub()
	l.Notify(nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (immediate only)", calls)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d after unsubscribe", l.Len())
	}
}

func TestPanickingListenerIsolated(t *testing.T) {
	l := NewListeners(slog.Default())
	var healthy int
	l.Subscribe(func([]*memory.Memory) { panic("listener bug") }, nil)
	l.Subscribe(func([]*memory.Memory) { healthy++ }, nil)

	l.Notify(nil)
	l.Notify(nil)

	if healthy != 3 {
		t.Errorf("healthy listener called %d times, want 3", healthy)
	}
}
