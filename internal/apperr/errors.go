package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse class of a failure, which decides how callers react.
type Kind string

const (
	// KindAuth must redirect to login and is never retried locally.
	KindAuth Kind = "auth"
	// KindTransport covers network and socket failures.
	KindTransport Kind = "transport"
	// KindTimeout is a single operation that got no acknowledgement in time.
	KindTimeout Kind = "timeout"
	// KindValidation indicates a caller bug or unsupported input.
	KindValidation Kind = "validation"
	// KindDomain carries a business error whose server text is shown as is.
	KindDomain Kind = "domain"
)

// Error is a classified failure of one operation.
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
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation can succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

func Auth(op, message string) *Error {
	return &Error{Kind: KindAuth, Op: op, Message: message}
}

func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "timed out waiting for acknowledgement", Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Domain keeps the server's message verbatim.
func Domain(op, message string) *Error {
	return &Error{Kind: KindDomain, Op: op, Message: message}
}

// FromServerMessage classifies an error string returned by the server in an
// acknowledgement. code is the optional machine-readable hint.
func FromServerMessage(op, code, message string) *Error {
	switch {
	case code == "auth" || IsAuthMessage(message):
		return Auth(op, message)
	case code == "validation":
		return &Error{Kind: KindValidation, Op: op, Message: message}
	default:
		return Domain(op, message)
	}
}

// KindOf returns the kind of err. Context deadlines are timeouts; anything
// unclassified is treated as a transport failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// IsRetryable reports whether err belongs to a retryable kind.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == KindTransport || kind == KindTimeout
}
