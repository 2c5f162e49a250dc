package storage

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/keepsakehq/keepsake/internal/memory"
)

// Listeners fans cache snapshots out to change subscribers. A panicking
// subscriber is recovered and logged; the rest still run.
type Listeners struct {
	mu     sync.Mutex
	next   int
	fns    map[int]ChangeFunc
	logger *slog.Logger
}

func NewListeners(logger *slog.Logger) *Listeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners{fns: make(map[int]ChangeFunc), logger: logger}
}

// Subscribe registers fn and invokes it synchronously with current, so a
// new subscriber sees the cache right away.
func (l *Listeners) Subscribe(fn ChangeFunc, current []*memory.Memory) UnsubscribeFunc {
	l.mu.Lock()
	tok := l.next
	l.next++
	l.fns[tok] = fn
	l.mu.Unlock()

	l.call(fn, current)

	return func() {
		l.mu.Lock()
		delete(l.fns, tok)
		l.mu.Unlock()
	}
}

// Notify delivers a snapshot to every subscriber in registration order.
func (l *Listeners) Notify(ms []*memory.Memory) {
	l.mu.Lock()
	toks := make([]int, 0, len(l.fns))
	for tok := range l.fns {
		toks = append(toks, tok)
	}
	sort.Ints(toks)
	fns := make([]ChangeFunc, len(toks))
	for i, tok := range toks {
		fns[i] = l.fns[tok]
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(fn, ms)
	}
}

func (l *Listeners) call(fn ChangeFunc, ms []*memory.Memory) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("change listener panicked", "panic", r)
		}
	}()
	fn(ms)
}

func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
