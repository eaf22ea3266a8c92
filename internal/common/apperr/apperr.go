// Package apperr defines the error kinds shared across services and the
// mapping from kinds to HTTP status codes used by the handler layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. Kinds, not types: services
// wrap underlying causes and tag them with a kind; handlers only look at the
// kind.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindUnauthorized
	KindForbidden
	KindRuntimeUnavailable
	KindImagePullFailed
	KindUpstreamTimeout
	KindUpstreamError
)

// Error is an error with a kind and a user-presentable message.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the user-presentable message without the wrapped cause.
func (e *Error) Message() string { return e.msg }

// KindOf returns the kind of err, or KindInternal when err carries no kind.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the HTTP status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case KindImagePullFailed:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-presentable message for err. Internal errors are
// masked with a generic message so handler responses never leak internals.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.msg
	}
	return "internal error"
}
