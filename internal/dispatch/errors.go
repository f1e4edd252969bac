package dispatch

import "fmt"

// Kind is the dispatch-core error taxonomy from spec §7. It is a kind, not
// a Go type hierarchy: callers switch on Kind() rather than type-asserting.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindCapacity          Kind = "capacity"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindWorkerUnavailable Kind = "worker_unavailable"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is the dispatch core's boundary error type, generalized from the
// teacher's apierr.Error{Status, Code, Err} into the kind taxonomy used
// throughout the spec instead of raw HTTP statuses. Handlers translate Kind
// to a status code at the edge.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter int // seconds; set for capacity errors where computable
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func wrapErr(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// ErrCapacityExceeded constructs the capacity rejection §4.2 enqueue emits
// once the combined bucket size reaches max_queue_size.
func ErrCapacityExceeded(retryAfterSeconds int) *Error {
	return &Error{Kind: KindCapacity, Detail: "capacity_exceeded", RetryAfter: retryAfterSeconds}
}

// ErrNotFound constructs the not_found rejection for unknown job/worker ids.
func ErrNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Detail: what + " not found"}
}

// ErrConflict constructs the conflict rejection for state not eligible for
// the requested operation (e.g. cancelling a processing job).
func ErrConflict(detail string) *Error {
	return &Error{Kind: KindConflict, Detail: detail}
}
