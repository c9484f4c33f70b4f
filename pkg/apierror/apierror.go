// Package apierror provides the standardized error envelope returned by
// every security-pipeline rejection. The wire shape is always
// {"error":{"code":...,"message":...,...}} so clients can branch on the
// machine-readable code without parsing message text.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code represents a machine-readable error code.
type Code string

// Standard error codes.
const (
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeResourceNotFound        Code = "RESOURCE_NOT_FOUND"
	CodeEndpointNotFound        Code = "ENDPOINT_NOT_FOUND"
	CodeValidationFailed        Code = "VALIDATION_FAILED"
	CodeFileValidationFailed    Code = "FILE_VALIDATION_FAILED"
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalServerError     Code = "INTERNAL_SERVER_ERROR"
)

// Error represents a standardized API error.
type Error struct {
	// HTTP status code, not serialized.
	Status int `json:"-"`

	Code    Code   `json:"code"`
	Message string `json:"message"`

	// Additional fields merged into the envelope body (e.g. retry_after,
	// validation errors). Optional.
	Extra map[string]any `json:"-"`

	// Internal error, logged server-side and never exposed to the client.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithExtra attaches an additional envelope field.
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// WithError attaches an internal error for server-side logging.
func (e *Error) WithError(err error) *Error {
	e.Err = err
	return e
}

// envelope builds the wire representation.
func (e *Error) envelope() map[string]any {
	body := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	for k, v := range e.Extra {
		body[k] = v
	}
	return map[string]any{"error": body}
}

// WriteJSON writes the error envelope to the response writer.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e.envelope())
}

// New creates a new API error.
func New(status int, code Code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Unauthenticated creates a 401 error.
func Unauthenticated(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return New(http.StatusUnauthorized, CodeUnauthenticated, message)
}

// Forbidden creates a 403 error.
func Forbidden(message string) *Error {
	if message == "" {
		message = "Access denied"
	}
	return New(http.StatusForbidden, CodeForbidden, message)
}

// InsufficientPermissions creates a 403 error for role checks.
func InsufficientPermissions() *Error {
	return New(http.StatusForbidden, CodeInsufficientPermissions, "Insufficient permissions for this operation")
}

// ResourceNotFound creates a 404 error for a missing resource.
func ResourceNotFound(resource string) *Error {
	message := "Resource not found"
	if resource != "" {
		message = fmt.Sprintf("%s not found", resource)
	}
	return New(http.StatusNotFound, CodeResourceNotFound, message)
}

// EndpointNotFound creates a 404 error for an unknown route.
func EndpointNotFound() *Error {
	return New(http.StatusNotFound, CodeEndpointNotFound, "Endpoint not found")
}

// ValidationFailed creates a 422 error with field details.
func ValidationFailed(message string, details any) *Error {
	e := New(http.StatusUnprocessableEntity, CodeValidationFailed, message)
	if details != nil {
		e.WithExtra("details", details)
	}
	return e
}

// FileValidationFailed creates a 422 error carrying the accumulated
// validation error strings.
func FileValidationFailed(errs []string) *Error {
	return New(http.StatusUnprocessableEntity, CodeFileValidationFailed, "File validation failed").
		WithExtra("errors", errs)
}

// RateLimitExceeded creates a 429 error with the retry hint.
func RateLimitExceeded(retryAfterSeconds int) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded. Please try again later.").
		WithExtra("retry_after", retryAfterSeconds)
}

// InternalError creates a 500 error wrapping the cause. The cause is kept
// for logging; clients only see the generic message.
func InternalError(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalServerError,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// IsAPIError checks if an error is an API error.
func IsAPIError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}

// FromError converts any error to an API error. Unknown errors become
// internal errors so backend failures are never surfaced as permissive
// behavior.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return InternalError(err)
}
