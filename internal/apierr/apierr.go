// Package apierr defines the error classes surfaced to API callers and how
// each one maps onto an HTTP response.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Class string

const (
	ClassValidation          Class = "validation"
	ClassAuthorization       Class = "authorization"
	ClassRateLimited         Class = "rate_limited"
	ClassExtraction          Class = "extraction_failed"
	ClassUpstreamInterrupted Class = "upstream_interrupted"
	ClassNotFound            Class = "not_found"
	ClassInternal            Class = "internal"
)

// Error is the common envelope for every caller-visible failure.
type Error struct {
	Class   Class
	Code    string // stable machine-readable code, e.g. "TOKEN_EXPIRED"
	Message string
	// Kind is the extraction failure kind for ClassExtraction.
	Kind       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Class) + ": " + e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for the error class.
func (e *Error) Status() int {
	switch e.Class {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassAuthorization:
		if e.Code == "FORBIDDEN" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassNotFound:
		return http.StatusNotFound
	case ClassExtraction:
		switch e.Kind {
		case "video_unavailable", "private_video":
			return http.StatusUnprocessableEntity
		case "rate_limited":
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case ClassUpstreamInterrupted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may repeat the same request later.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassRateLimited, ClassUpstreamInterrupted:
		return true
	case ClassExtraction:
		return e.Kind == "network_error" || e.Kind == "timeout" || e.Kind == "rate_limited"
	}
	return false
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Class: ClassValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Authorization(code, message string, err error) *Error {
	return &Error{Class: ClassAuthorization, Code: code, Message: message, Err: err}
}

func Forbidden(message string) *Error {
	return &Error{Class: ClassAuthorization, Code: "FORBIDDEN", Message: message}
}

func NotFound(message string) *Error {
	return &Error{Class: ClassNotFound, Code: "NOT_FOUND", Message: message}
}

func RateLimited(scope string, retryAfter time.Duration) *Error {
	return &Error{
		Class:      ClassRateLimited,
		Code:       "RATE_LIMITED",
		Message:    "too many requests for " + scope,
		RetryAfter: retryAfter,
	}
}

// Extraction wraps an extractor failure of the given kind. The message is
// filled from the English catalog; handlers re-localize with Localize.
func Extraction(kind string, err error) *Error {
	return &Error{
		Class:   ClassExtraction,
		Code:    "EXTRACTION_FAILED",
		Kind:    kind,
		Message: messageFor(kind, "en"),
		Err:     err,
	}
}

func UpstreamInterrupted(bytesSent int64, err error) *Error {
	return &Error{
		Class:   ClassUpstreamInterrupted,
		Code:    "UPSTREAM_INTERRUPTED",
		Message: fmt.Sprintf("stream interrupted after %d bytes", bytesSent),
		Err:     err,
	}
}

func Internal(err error) *Error {
	return &Error{Class: ClassInternal, Code: "INTERNAL_ERROR", Message: "internal server error", Err: err}
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsClass reports whether err carries the given class.
func IsClass(err error, c Class) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == c
}
