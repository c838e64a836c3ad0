// Package apperr defines the error taxonomy shared by the request store, the
// appointment ledger and the approval workflow. Every error carries a Kind so
// transport layers can map it without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindPersistence Kind = "persistence"
	KindConcurrency Kind = "concurrency"
)

// Sentinels usable with errors.Is against any *Error of the matching kind.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("scheduling conflict")
	ErrPersistence = errors.New("persistence failure")
	ErrConcurrency = errors.New("concurrent modification")
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "requests.Approve").
type Error struct {
	Kind    Kind              `json:"kind"`
	Op      string            `json:"op,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = sentinel(e.Kind).Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindPersistence:
		return ErrPersistence
	case KindConcurrency:
		return ErrConcurrency
	}
	return nil
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, resource string, id any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      op,
		Message: fmt.Sprintf("%s %v not found", resource, id),
		Details: map[string]string{"resource": resource, "id": fmt.Sprint(id)},
	}
}

func Conflict(op, message string, details map[string]string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message, Details: details}
}

func Concurrency(op, format string, args ...any) *Error {
	return &Error{Kind: KindConcurrency, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps an I/O failure of a backing store. A nil err yields nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindPersistence, Op: op, Message: "backing store failure", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err is a transient persistence failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindPersistence
}

// HTTPStatus maps err to the status code handlers should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindConcurrency:
		return http.StatusConflict
	case KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// PublicMessage is the message safe to return to API callers. Persistence
// failures are reported generically.
func PublicMessage(err error) string {
	var ae *Error
	if !errors.As(err, &ae) {
		return "internal server error"
	}
	if ae.Kind == KindPersistence {
		return "operation failed; the change may or may not have been applied, re-read before retrying"
	}
	if ae.Message != "" {
		return ae.Message
	}
	return ae.Error()
}
