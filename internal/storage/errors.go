package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure so callers can branch on cause
// without parsing messages.
type Kind string

const (
	KindNotInitialized   Kind = "not_initialized"
	KindNotAuthenticated Kind = "not_authenticated"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindNetwork          Kind = "network_error"
	KindSyncConflict     Kind = "sync_conflict"
	KindUnknown          Kind = "unknown"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNotInitialized   = errors.New("provider not initialized")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("memory not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrNetwork          = errors.New("network unavailable")
	ErrSyncConflict     = errors.New("sync conflict")
)

var kindSentinels = map[Kind]error{
	KindNotInitialized:   ErrNotInitialized,
	KindNotAuthenticated: ErrNotAuthenticated,
	KindNotFound:         ErrNotFound,
	KindPermissionDenied: ErrPermissionDenied,
	KindQuotaExceeded:    ErrQuotaExceeded,
	KindNetwork:          ErrNetwork,
	KindSyncConflict:     ErrSyncConflict,
}

// Error wraps a failed storage operation with its kind and cause.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for this error's kind, so
// errors.Is(err, ErrNotFound) works without touching the cause chain.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// E builds an operation error. err may be nil for precondition failures
// where the kind says everything.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf reports the kind of err, or KindUnknown for errors that did not
// come from a storage operation.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
