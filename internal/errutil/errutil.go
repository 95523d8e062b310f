// Package errutil defines the control plane's structured error taxonomy.
// Engines return kinded errors; the HTTP layer maps kinds to status codes.
package errutil

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error class.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindInvalidState           Kind = "invalid_state"
	KindBundleNotCompiled      Kind = "bundle_not_compiled"
	KindBundleNotFound         Kind = "bundle_not_found"
	KindBundleRevoked          Kind = "bundle_revoked"
	KindNoTargetNodes          Kind = "no_target_nodes"
	KindApprovalRequired       Kind = "approval_required"
	KindSelfApproval           Kind = "self_approval"
	KindAlreadyApproved        Kind = "already_approved"
	KindNotAuthorized          Kind = "not_authorized"
	KindCommentRequired        Kind = "comment_required"
	KindNoSigningKey           Kind = "no_signing_key"
	KindInvalidClaims          Kind = "invalid_claims"
	KindKeyDeactivated         Kind = "key_deactivated"
	KindUnknownKey             Kind = "unknown_key"
	KindInvalidKey             Kind = "invalid_key"
	KindMaxUnavailableExceeded Kind = "max_unavailable_exceeded"
	KindStepDeadlineExceeded   Kind = "step_deadline_exceeded"
	KindInvalidArgument        Kind = "invalid_argument"
	KindConflict               Kind = "conflict"
)

// Error carries a kind plus a human message and optional detail fields that
// survive to the wire.
type Error struct {
	Kind    Kind
	Message string
	// Detail is serialized under "detail" in HTTP error bodies.
	Detail map[string]any
	cause  error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a kinded error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail returns e with one detail field added.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the *Error from err when present.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
