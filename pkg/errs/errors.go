// Package errs defines the error kinds shared by the hook dispatcher, the
// permission resolver and the HTTP layer, and maps them to status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError is returned when a database, table, row, query or route does
// not exist.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	if e.What == "" {
		return "not found"
	}
	return e.What + " not found"
}

// NotFound builds a NotFoundError with a formatted subject.
func NotFound(format string, args ...any) error {
	return &NotFoundError{What: fmt.Sprintf(format, args...)}
}

// ForbiddenError is returned when the actor is not allowed to perform an
// action. The forbidden hook may turn it into a custom response.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e.Message == "" {
		return "forbidden"
	}
	return e.Message
}

// Forbidden builds a ForbiddenError with a formatted message.
func Forbidden(format string, args ...any) error {
	return &ForbiddenError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed data, typically supplied by a plugin
// (an unknown hook parameter, a bad permission SQL fragment, a result of the
// wrong type).
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError for field.
func Invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// PluginExecutionError wraps an error or panic raised inside a plugin hook
// implementation.
type PluginExecutionError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginExecutionError) Error() string {
	return fmt.Sprintf("plugin %q hook %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *PluginExecutionError) Unwrap() error { return e.Err }

// StatusCode maps an error to the HTTP status the host responds with.
func StatusCode(err error) int {
	var nf *NotFoundError
	var fb *ForbiddenError
	var ve *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &fb):
		return http.StatusForbidden
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ve):
		var pe *PluginExecutionError
		if errors.As(err, &pe) {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Title returns the short human-readable label used in error responses.
func Title(status int) string {
	switch status {
	case http.StatusNotFound:
		return "Not found"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusBadRequest:
		return "Invalid request"
	case http.StatusRequestEntityTooLarge:
		return "Request too large"
	default:
		return "Error"
	}
}
