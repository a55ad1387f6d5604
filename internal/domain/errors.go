package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// Kind classifies failures so callers can pick a response class without
// inspecting messages.
type Kind string

const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindUnknownAffiliate    Kind = "UnknownAffiliate"
	KindInvalidAmount       Kind = "InvalidAmount"
	KindUpstreamRejected    Kind = "UpstreamRejected"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindStorageCorrupt      Kind = "StorageCorrupt"
	KindPersistence         Kind = "PersistenceError"
	KindRateLimited         Kind = "RateLimited"
	KindInternal            Kind = "Internal"
)

// Error is a classified failure. Two Errors match under errors.Is when their
// kinds are equal, so the exported sentinels below work as kind probes.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is enables errors.Is matching by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrUnknownAffiliate    = &Error{Kind: KindUnknownAffiliate}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrUpstreamRejected    = &Error{Kind: KindUpstreamRejected}
	ErrUpstreamTimeout     = &Error{Kind: KindUpstreamTimeout}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrStorageCorrupt      = &Error{Kind: KindStorageCorrupt}
	ErrPersistence         = &Error{Kind: KindPersistence}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
)

// NewError builds a classified error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the message of the outermost classified error, falling
// back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
