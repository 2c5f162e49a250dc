package auth

import (
	"log/slog"
	"sort"
	"sync"
)

// StateNotifier is the OnAuthStateChanged fan-out shared by provider
// implementations. A panicking listener is recovered and logged; the
// rest still run.
type StateNotifier struct {
	mu     sync.Mutex
	next   int
	fns    map[int]func(*User)
	logger *slog.Logger
}

func NewStateNotifier(logger *slog.Logger) *StateNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateNotifier{fns: make(map[int]func(*User)), logger: logger}
}

// Subscribe registers fn and invokes it synchronously with current.
func (n *StateNotifier) Subscribe(fn func(*User), current *User) func() {
	n.mu.Lock()
	tok := n.next
	n.next++
	n.fns[tok] = fn
	n.mu.Unlock()

	n.call(fn, current)

	return func() {
		n.mu.Lock()
		delete(n.fns, tok)
		n.mu.Unlock()
	}
}

// Notify delivers the new state to every listener in registration order.
func (n *StateNotifier) Notify(u *User) {
	n.mu.Lock()
	toks := make([]int, 0, len(n.fns))
	for tok := range n.fns {
		toks = append(toks, tok)
	}
	sort.Ints(toks)
	fns := make([]func(*User), len(toks))
	for i, tok := range toks {
		fns[i] = n.fns[tok]
	}
	n.mu.Unlock()

	for _, fn := range fns {
		n.call(fn, u)
	}
}

func (n *StateNotifier) call(fn func(*User), u *User) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("auth state listener panicked", "panic", r)
		}
	}()
	fn(u)
}
