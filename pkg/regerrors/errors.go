// Package regerrors defines the registry's error taxonomy and its mapping to
// HTTP status codes, so every component returns a typed kind instead of a
// bare error that handlers would have to pattern-match on string content.
package regerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a semantic error classification shared by every component.
type Kind string

const (
	KindUnauthenticated     Kind = "Unauthenticated"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindInvalid              Kind = "Invalid"
	KindBodyTooLarge        Kind = "BodyTooLarge"
	KindQueueFull            Kind = "QueueFull"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindIndexUnavailable    Kind = "IndexUnavailable"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInternal             Kind = "Internal"
)

// Code is a machine-readable sub-classification carried alongside Kind,
// primarily used by the publish pipeline's Conflict cases.
type Code string

const (
	CodeNameCollision       Code = "NameCollision"
	CodeVersionExists       Code = "VersionExists"
	CodeOwnerAlreadyPresent Code = "OwnerAlreadyPresent"
	CodeNoViableWorker      Code = "NoViableWorker"
)

// Error is the concrete typed error every component should return instead of
// a generic error value.
type Error struct {
	Kind    Kind
	Code    Code
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

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a lower-level error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode attaches a machine-readable sub-code, typically for Conflict kinds.
func (e *Error) WithCode(code Code) *Error {
	e.Code = code
	return e
}

// As is a convenience wrapper around errors.As for extracting a *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code required by §7 of the design.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindQueueFull:
		return http.StatusServiceUnavailable
	case KindStorageUnavailable, KindIndexUnavailable, KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the Cargo-convention JSON error envelope.
type Envelope struct {
	Errors []EnvelopeError `json:"errors"`
}

type EnvelopeError struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// ToEnvelope renders err (typed or not) into the wire envelope, never leaking
// internal details for Kind=Internal.
func ToEnvelope(err error) Envelope {
	e, ok := As(err)
	if !ok {
		return Envelope{Errors: []EnvelopeError{{Detail: "internal error"}}}
	}
	if e.Kind == KindInternal {
		return Envelope{Errors: []EnvelopeError{{Detail: "internal error"}}}
	}
	return Envelope{Errors: []EnvelopeError{{Detail: e.Message, Code: string(e.Code)}}}
}
