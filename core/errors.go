package core

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error classification reported to callers
type Kind string

const (
	KindInvalidRequest          Kind = "invalid_request"
	KindInvalidClient           Kind = "invalid_client"
	KindInvalidGrant            Kind = "invalid_grant"
	KindInvalidScope            Kind = "invalid_scope"
	KindAccessDenied            Kind = "access_denied"
	KindUnauthorizedClient      Kind = "unauthorized_client"
	KindUnsupportedGrantType    Kind = "unsupported_grant_type"
	KindUnsupportedResponseType Kind = "unsupported_response_type"
	KindInvalidToken            Kind = "invalid_token"
	KindConsentRevoked          Kind = "consent_revoked"
	KindConsentExpired          Kind = "consent_expired"
	KindInsufficientScope       Kind = "insufficient_scope"
	KindRateLimited             Kind = "rate_limited"
	KindSCARequired             Kind = "sca_required"
	KindSCAFailed               Kind = "sca_failed"
	KindPaymentNotCancellable   Kind = "payment_not_cancellable"
	KindInvalidTransition       Kind = "invalid_transition"
	KindNotFound                Kind = "not_found"
	KindTemporarilyUnavailable  Kind = "temporarily_unavailable"
	KindServerError             Kind = "server_error"
)

// Error carries a Kind plus an optional human readable description and cause
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.Description != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	case e.Description != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Description)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an error of the given kind
func NewError(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Errorf creates an error of the given kind with a formatted description
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause
func WrapError(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// KindOf returns the kind of err, or KindServerError when err is unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// DescriptionOf returns the description attached to err, if any
func DescriptionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return ""
}

var (
	ErrInvalidRequest         = NewError(KindInvalidRequest, "")
	ErrInvalidClient          = NewError(KindInvalidClient, "")
	ErrInvalidGrant           = NewError(KindInvalidGrant, "")
	ErrInvalidScope           = NewError(KindInvalidScope, "")
	ErrAccessDenied           = NewError(KindAccessDenied, "")
	ErrUnauthorizedClient     = NewError(KindUnauthorizedClient, "")
	ErrInvalidToken           = NewError(KindInvalidToken, "")
	ErrConsentRevoked         = NewError(KindConsentRevoked, "")
	ErrConsentExpired         = NewError(KindConsentExpired, "")
	ErrInsufficientScope      = NewError(KindInsufficientScope, "")
	ErrRateLimited            = NewError(KindRateLimited, "")
	ErrSCARequired            = NewError(KindSCARequired, "")
	ErrSCAFailed              = NewError(KindSCAFailed, "")
	ErrPaymentNotCancellable  = NewError(KindPaymentNotCancellable, "")
	ErrInvalidTransition      = NewError(KindInvalidTransition, "")
	ErrNotFound               = NewError(KindNotFound, "")
	ErrTemporarilyUnavailable = NewError(KindTemporarilyUnavailable, "")
)

// Store-level conditions. Adapters return these; services translate them into
// caller-facing kinds.
var (
	// ErrRecordNotFound is returned by stores when a lookup misses
	ErrRecordNotFound = errors.New("record not found")

	// ErrConflict is returned when a compare-and-set loses to a concurrent writer
	ErrConflict = errors.New("concurrent modification")

	// ErrAlreadyConsumed is returned when an authorization code was consumed before
	ErrAlreadyConsumed = errors.New("credential already consumed")

	// ErrDuplicate is returned when a unique key is inserted twice
	ErrDuplicate = errors.New("duplicate record")
)
