package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for rendering and retry decisions.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindGovernance      Kind = "governance"
	KindNotFound        Kind = "not_found"
	KindUpstream        Kind = "upstream"
	KindConfiguration   Kind = "configuration"
	KindNotReady        Kind = "not_ready"
	KindConflict        Kind = "conflict"
	KindPolicy          Kind = "policy"
	KindTimeout         Kind = "timeout"
	KindUnauthenticated Kind = "unauthenticated"
	KindInternal        Kind = "internal"
)

// Error is the structured error returned across package boundaries.
// Code is a stable machine-readable identifier such as LIMIT_EXCEEDED.
type Error struct {
	Kind        Kind     `json:"kind"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Details     any      `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Retryable   bool     `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Retryable: kind == KindNotReady || kind == KindTimeout}
}

// Wrap creates an Error that carries cause as its underlying error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.cause = cause
	return e
}

// WithDetails attaches structured details and returns e.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithSuggestions attaches suggestions and returns e.
func (e *Error) WithSuggestions(s []string) *Error {
	e.Suggestions = s
	return e
}

func Validation(code, message string) *Error { return New(KindValidation, code, message) }
func Governance(code, message string) *Error { return New(KindGovernance, code, message) }
func Conflict(code, message string) *Error   { return New(KindConflict, code, message) }
func Policy(code, message string) *Error     { return New(KindPolicy, code, message) }

func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

func NotReady(code, message string) *Error { return New(KindNotReady, code, message) }

// Upstream wraps a failure from the remote semantic-layer engine. The body
// returned by the engine is preserved verbatim in Details.
func Upstream(status int, body string, cause error) *Error {
	msg := fmt.Sprintf("semantic layer returned status %d", status)
	if status == 0 {
		msg = "semantic layer request failed"
	}
	if b := strings.TrimSpace(body); b != "" {
		msg += ": " + truncate(b, 512)
	}
	e := Wrap(KindUpstream, "UPSTREAM_ERROR", msg, cause)
	e.Details = map[string]any{"status": status, "body": body}
	return e
}

func Timeout(message string, cause error) *Error {
	return Wrap(KindTimeout, "TIMEOUT", message, cause)
}

func Configuration(message string) *Error {
	return New(KindConfiguration, "CONFIGURATION_ERROR", message)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindGovernance, KindPolicy:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotReady:
		return http.StatusServiceUnavailable
	case KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
