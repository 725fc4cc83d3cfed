package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies an error for retry decisions, circuit-breaker accounting
// and HTTP status mapping. The set is closed; switches over it are exhaustive.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindRateLimit
	KindTimeout
	KindUnavailable
	KindConnection
	KindCircuitOpen
	KindConflict
	KindProcessing
)

// String returns the wire-level error code for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindRateLimit:
		return "RATE_LIMITED"
	case KindTimeout:
		return "TIMEOUT"
	case KindUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindConnection:
		return "CONNECTION_ERROR"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindConflict:
		return "CONFLICT"
	case KindProcessing:
		return "PROCESSING_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps the kind to its HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindConnection:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindProcessing:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the single error type crossing component boundaries. It carries
// the kind for classification plus optional structured details that end up in
// the HTTP error envelope.
type AppError struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError creates an AppError of the given kind.
func NewError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WrapError wraps an underlying error with a kind and message.
func WrapError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// WithDetail attaches a structured detail and returns the same error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the ErrorKind from an error chain. Plain errors classify as
// KindUnknown; context deadline errors classify as KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether an error kind represents a transient failure
// that is safe to retry.
func IsTransient(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindUnavailable, KindConnection, KindRateLimit:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an upstream HTTP status onto the error taxonomy.
// Used by the external-service clients.
func ClassifyHTTPStatus(status int, service string) *AppError {
	var kind ErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status >= 500:
		kind = KindUnavailable
	default:
		kind = KindValidation
	}
	return NewError(kind, service+" request failed").WithDetail("status", status)
}

// ErrorEnvelope is the uniform error body serialized at the HTTP boundary.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Envelope builds the wire representation for an error.
func Envelope(err error) (int, ErrorEnvelope) {
	kind := KindOf(err)
	body := ErrorBody{
		Code:      kind.String(),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	return kind.HTTPStatus(), ErrorEnvelope{Error: body}
}
