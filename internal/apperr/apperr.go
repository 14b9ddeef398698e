// Package apperr defines the error taxonomy shared by the pipeline and its
// HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and HTTP mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
)

// Code values for errors that callers branch on.
const (
	CodeSourceNotActive = "source_not_active"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a 400-class error with optional field details.
func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// Unauthorized returns a 401-class error.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Forbidden returns a 403-class error.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// NotFound returns a 404-class error for the named entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// Conflict returns a 409-class error.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// RateLimited returns a 429-class error.
func RateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimited, Message: msg}
}

// Upstream wraps a failure from an external dependency. It maps to 500 and,
// unlike other 500s, keeps its message in the response.
func Upstream(msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// SourceNotActive is returned when ingestion is requested for a source whose
// status is not active.
func SourceNotActive(sourceID, status string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Code:    CodeSourceNotActive,
		Message: fmt.Sprintf("data source %s is not active (status: %s)", sourceID, status),
	}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsSourceNotActive reports whether err is a SourceNotActive error.
func IsSourceNotActive(err error) bool {
	ae, ok := As(err)
	return ok && ae.Code == CodeSourceNotActive
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
