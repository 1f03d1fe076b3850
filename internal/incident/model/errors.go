package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. Kinds are stable identifiers: they
// double as the error code in API responses and in logs.
type ErrorKind string

const (
	KindInvalidAlertPayload        ErrorKind = "InvalidAlertPayload"
	KindCorrelationAmbiguity       ErrorKind = "CorrelationAmbiguity"
	KindEnrichmentUnavailable      ErrorKind = "EnrichmentUnavailable"
	KindRunbookNotFound            ErrorKind = "RunbookNotFound"
	KindMitigationActionFailed     ErrorKind = "MitigationActionFailed"
	KindRollbackLockTimeout        ErrorKind = "RollbackLockTimeout"
	KindNotificationDeliveryFailed ErrorKind = "NotificationDeliveryFailed"
	KindExternalCallTimeout        ErrorKind = "ExternalCallTimeout"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error, keeping it on the unwrap chain.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
