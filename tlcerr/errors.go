// Package tlcerr defines the closed set of error kinds the two-level cache
// surfaces to callers. Every exported error wraps one of these kinds so
// callers can branch with errors.Is/errors.As instead of string matching.
package tlcerr

import "errors"

// Kind identifies which class of failure produced an error.
type Kind int

const (
	// KindSerialization covers encode/decode failures at the facade boundary.
	KindSerialization Kind = iota
	// KindL1 covers internal L1 store failures (poisoned lock, OOM). Not
	// normally recoverable.
	KindL1
	// KindL2 covers any remote-tier failure: transport, protocol, or timeout.
	KindL2
	// KindWAL covers durable-store-unavailable or full conditions.
	KindWAL
	// KindConfiguration covers rejected-at-load-time configuration errors.
	KindConfiguration
	// KindNotSupported covers operations invalid for the configured cache
	// type or L2 mode (e.g. get_raw_client in cluster mode).
	KindNotSupported
	// KindBackpressure covers batch-writer enqueue timeouts.
	KindBackpressure
	// KindValidation covers key/value boundary violations: empty or overlong
	// keys, disallowed key characters, oversized values.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindL1:
		return "l1"
	case KindL2:
		return "l2"
	case KindWAL:
		return "wal"
	case KindConfiguration:
		return "configuration"
	case KindNotSupported:
		return "not_supported"
	case KindBackpressure:
		return "backpressure"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a typed cache error: a Kind plus a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping err. Returns nil if err is
// nil, so it is safe to use as `return tlcerr.Wrap(tlcerr.KindL2, "get", err)`.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or any error it wraps) is of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrClosed is returned by operations attempted after Shutdown.
	ErrClosed = New(KindNotSupported, "facade is shut down")
	// ErrNotFound signals an absent value where the caller needs a
	// distinguishable error.
	ErrNotFound = errors.New("tlcerr: not found")
)
