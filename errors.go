package chatkit

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrNetworkUnavailable means the channel or an HTTP fetch could not
	// reach the server. Recovered by retry/backoff; sends are queued.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrValidation is a request rejected locally before touching the network.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when the server state already moved on
	// (e.g. deleting a deleted conversation). Callers treat it as success.
	ErrConflict = errors.New("conflict")
	// ErrServerRejected is an explicit refusal by the server. Not retried.
	ErrServerRejected = errors.New("rejected by server")
	// ErrStaleCursor means a pagination cursor is no longer valid.
	ErrStaleCursor = errors.New("stale cursor")
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("not found")
)

// APIError is the error body returned by the chat API:
// {"error": {"code": "...", "message": "..."}}.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Error is the structured error returned by every engine operation.
type Error struct {
	Kind error  // one of the Err* sentinels
	Op   string // operation, e.g. "messages.loadOlder"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsValidation reports whether err was rejected locally.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
