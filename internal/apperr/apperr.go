// Package apperr holds the error taxonomy shared by the tracking and
// booking components. Callers match kinds with errors.Is against the
// sentinels or with KindOf.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Network
	Validation
	Conflict
	NotFound
	Auth
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Auth:
		return "auth"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to a rider.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNetwork    = &Error{Kind: Network}
	ErrValidation = &Error{Kind: Validation}
	ErrConflict   = &Error{Kind: Conflict}
	ErrNotFound   = &Error{Kind: NotFound}
	ErrAuth       = &Error{Kind: Auth}
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: Validation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the display message of the first *Error in the chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FromStatus classifies a non-2xx backend response.
func FromStatus(op string, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	var kind Kind
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = Validation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Auth
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusConflict:
		kind = Conflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		kind = Network
	default:
		kind = Internal
	}
	return &Error{Kind: kind, Op: op, Message: message}
}

// HTTPStatus maps a kind to the status the local API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
