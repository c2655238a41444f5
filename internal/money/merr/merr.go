// Package merr defines the closed error taxonomy used across the Money &
// Trust Core. Every money-path error is one of these kinds; each carries a
// stable Code() string (for API error envelopes) and a structured context
// map (for logs and alerts), replacing scattered sentinel
// errors.New() values with a taxonomy callers can switch on.
package merr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindIllegalTransition  Kind = "illegal_transition"
	KindInvariantViolation Kind = "invariant_violation"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindExternalProvider   Kind = "external_provider_error"
	KindStuckRecovery      Kind = "stuck_recovery"
	KindNotFound           Kind = "not_found"
)

// Error is the common shape for every taxonomy member.
type Error struct {
	Kind    Kind
	Code    string // stable code string, e.g. "ESCROW_NOT_FUNDED"
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, merr.ErrNotFound) style sentinels to match any
// Error of the same Kind, independent of Code/Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, code, msg string, cause error, ctx map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Context: ctx, Cause: cause}
}

// Validation wraps a user-input error, never retried automatically.
func Validation(code, msg string, ctx map[string]any) *Error {
	return newErr(KindValidation, code, msg, nil, ctx)
}

// IllegalTransition wraps an attempted state transition rejected by a
// guard or by next_allowed_events. Surfaced as HTTP 409.
func IllegalTransition(code, msg string, ctx map[string]any) *Error {
	return newErr(KindIllegalTransition, code, msg, nil, ctx)
}

// InvariantViolation wraps a failure of a named data invariant. Always
// critical: these indicate a bug above the storage layer.
func InvariantViolation(code, msg string, ctx map[string]any) *Error {
	return newErr(KindInvariantViolation, code, msg, nil, ctx)
}

// ConcurrencyConflict wraps a 40001/40P01 serialization or deadlock
// failure that survived the local retry budget.
func ConcurrencyConflict(code, msg string, cause error) *Error {
	return newErr(KindConcurrencyConflict, code, msg, cause, nil)
}

// ExternalProvider wraps a failure from the payment provider.
func ExternalProvider(code, msg string, cause error, ctx map[string]any) *Error {
	return newErr(KindExternalProvider, code, msg, cause, ctx)
}

// StuckRecovery wraps a condition found and handled by a recovery sweep
// (orphaned webhook claim, orphaned outbox claim, saga pending too long).
func StuckRecovery(code, msg string, ctx map[string]any) *Error {
	return newErr(KindStuckRecovery, code, msg, nil, ctx)
}

// NotFound wraps a missing-entity error.
func NotFound(code, msg string) *Error {
	return newErr(KindNotFound, code, msg, nil, nil)
}

// Sentinels usable with errors.Is for a generic kind-match (no Code bound).
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrIllegalTransition  = &Error{Kind: KindIllegalTransition}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrExternalProvider   = &Error{Kind: KindExternalProvider}
	ErrStuckRecovery      = &Error{Kind: KindStuckRecovery}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// HTTPStatus maps a Kind to the HTTP status code the error taxonomy prescribes.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindValidation:
		return 400
	case KindIllegalTransition:
		return 409
	case KindNotFound:
		return 404
	case KindConcurrencyConflict:
		return 500
	case KindInvariantViolation:
		return 500
	case KindExternalProvider:
		return 502
	case KindStuckRecovery:
		return 202
	default:
		return 500
	}
}
