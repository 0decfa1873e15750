// Package fault defines the error taxonomy shared by every pipeline
// component. Callers branch on a machine-readable Kind carried through
// the wrap chain, never on message text.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindUnexpected is any error that doesn't carry an explicit kind.
	KindUnexpected Kind = iota
	// KindInvalidRequest is a malformed pipeline invocation, unknown tenant,
	// or missing table configuration. Surfaced to the caller, never retried.
	KindInvalidRequest
	// KindConfigurationError is a missing canonical mapping, endpoint
	// configuration, or table_name. Fails the affected component only.
	KindConfigurationError
	// KindTransientExternal covers network errors, 5xx, 429, and store
	// throttling. Retried with backoff.
	KindTransientExternal
	// KindDeadlineElapsed is a chunk reaching its execution budget. Not a
	// failure; it triggers suspension with a persisted cursor.
	KindDeadlineElapsed
	// KindDataFormatError is an unparseable source response or unreadable
	// raw object.
	KindDataFormatError
	// KindSinkConflict is an analytics-store write collision. Retried once,
	// then escalated to transient.
	KindSinkConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindConfigurationError:
		return "configuration_error"
	case KindTransientExternal:
		return "transient_external"
	case KindDeadlineElapsed:
		return "deadline_elapsed"
	case KindDataFormatError:
		return "data_format_error"
	case KindSinkConflict:
		return "sink_conflict"
	default:
		return "unexpected"
	}
}

// Error is an error with a Kind. It wraps an underlying cause where one
// exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of |kind| with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches |kind| and a message to an existing cause.
// A nil |err| returns nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the wrap chain and returns the first explicit Kind found.
// Context cancellation and deadline exhaustion map to KindDeadlineElapsed,
// and raw network errors map to KindTransientExternal, so that callers which
// forgot to classify still retry sensibly.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineElapsed
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientExternal
	}
	return KindUnexpected
}

// Is reports whether |err| carries exactly |kind|.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether an error of this kind should be retried under
// the transient backoff policy. Unexpected errors sit outside it: the chunk
// runner grants them one extra attempt of their own.
func Transient(k Kind) bool {
	return k == KindTransientExternal || k == KindSinkConflict
}

// FromStatus classifies an HTTP response status from a source API or store.
// 429 and 5xx are transient. Any other 4xx means our side of the contract is
// wrong (bad path, bad credentials, bad query) and is never retried; a
// status outside both ranges is unexpected.
func FromStatus(status int) Kind {
	switch {
	case status == 429 || status >= 500:
		return KindTransientExternal
	case status >= 400:
		return KindConfigurationError
	default:
		return KindUnexpected
	}
}
