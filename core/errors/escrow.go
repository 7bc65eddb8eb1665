package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind sentinels classify every rejected escrow call. Callers match them with
// errors.Is regardless of the reason attached.
var (
	ErrValidation                = stderrors.New("validation error")
	ErrAccessDenied              = stderrors.New("access denied")
	ErrInvalidState              = stderrors.New("invalid state")
	ErrInsufficientAuthorization = stderrors.New("insufficient authorization")
	ErrNotFound                  = stderrors.New("not found")
	ErrSignature                 = stderrors.New("invalid signature")
)

// EscrowError carries the kind of failure plus a short machine-readable reason
// tag such as "duplicate_partner" or "threshold_not_met".
type EscrowError struct {
	Kind   error
	Reason string
	Detail string
	// Cause is the lower-level error that triggered the rejection, if any.
	Cause error
}

func (e *EscrowError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Detail)
}

// Unwrap exposes the kind sentinel and the cause to errors.Is.
func (e *EscrowError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// WithCause attaches cause to an EscrowError. Other errors are returned
// unchanged.
func WithCause(err, cause error) error {
	var escErr *EscrowError
	if !stderrors.As(err, &escErr) {
		return err
	}
	clone := *escErr
	clone.Cause = cause
	return &clone
}

func newError(kind error, reason, format string, args ...any) error {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	return &EscrowError{Kind: kind, Reason: reason, Detail: detail}
}

// Validation builds a ValidationError with the supplied reason tag.
func Validation(reason, format string, args ...any) error {
	return newError(ErrValidation, reason, format, args...)
}

// AccessDenied builds an AccessDeniedError with the supplied reason tag.
func AccessDenied(reason, format string, args ...any) error {
	return newError(ErrAccessDenied, reason, format, args...)
}

// InvalidState builds an InvalidStateError with the supplied reason tag.
func InvalidState(reason, format string, args ...any) error {
	return newError(ErrInvalidState, reason, format, args...)
}

// InsufficientAuthorization builds an InsufficientAuthorizationError.
func InsufficientAuthorization(reason, format string, args ...any) error {
	return newError(ErrInsufficientAuthorization, reason, format, args...)
}

// NotFound builds a lookup failure.
func NotFound(reason, format string, args ...any) error {
	return newError(ErrNotFound, reason, format, args...)
}

// Signature builds a signature verification failure.
func Signature(reason, format string, args ...any) error {
	return newError(ErrSignature, reason, format, args...)
}

// ReasonOf returns the reason tag carried by err, or "" when err is not an
// EscrowError.
func ReasonOf(err error) string {
	var escErr *EscrowError
	if stderrors.As(err, &escErr) {
		return escErr.Reason
	}
	return ""
}
