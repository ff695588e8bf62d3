// Package autherr defines the error kinds produced by the authentication core.
//
// Every failure surfaced by a login flow, a check, or the session manager is an
// *Error carrying one of four kinds. Callers branch on the kind with KindOf or
// errors.As and map it to an HTTP status with HTTPStatus.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authentication failure.
type Kind string

const (
	// KindConfiguration is a missing or inconsistent provider or session setting.
	KindConfiguration Kind = "configuration"
	// KindValidation is a failed check, a missing callback parameter or a bad request.
	KindValidation Kind = "validation"
	// KindProtocol is an error reported by the authorization server or a failed
	// call to it, network failures included.
	KindProtocol Kind = "protocol"
	// KindTokenDecode is an undecodable, tampered or expired token.
	KindTokenDecode Kind = "token_decode"
)

// Error is the error type returned across the authentication core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. A target with an
// empty kind matches any *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// WithCause sets the underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// HTTPStatus is the status code a transport adapter should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindValidation:
		return http.StatusBadRequest
	case KindProtocol:
		return http.StatusBadGateway
	case KindTokenDecode:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Configuration(op, format string, args ...any) *Error {
	return newError(KindConfiguration, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args...)
}

func Protocol(op, format string, args ...any) *Error {
	return newError(KindProtocol, op, format, args...)
}

func TokenDecode(op, format string, args ...any) *Error {
	return newError(KindTokenDecode, op, format, args...)
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrTokenDecode   = &Error{Kind: KindTokenDecode}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status for err, 500 when err carries no kind.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
