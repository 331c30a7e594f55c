// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/session"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/labstack/echo/v4"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// NewErrorHandler returns the Echo error handler. With exposeDetails set,
// unexpected errors carry their text in the details field.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(cfg.Advanced.ExposeErrorDetails)
func NewErrorHandler(exposeDetails bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		handleError(err, c, exposeDetails)
	}
}

func handleError(err error, c echo.Context, exposeDetails bool) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError

	switch e := err.(type) {
	case *APIError:
		apiErr = e
		if !exposeDetails && e.Status >= http.StatusInternalServerError && e.Details != "" {
			hidden := *e
			hidden.Details = ""
			apiErr = &hidden
		}
	case *echo.HTTPError:
		apiErr = &APIError{
			Status:  e.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", e.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
		}
		if exposeDetails {
			apiErr.Details = err.Error()
		}
	}

	if apiErr.Status >= http.StatusInternalServerError {
		logger.WithField("path", c.Path()).WithError(err).Error("Request failed")
	}

	// Send JSON response
	if !c.Response().Committed {
		c.JSON(apiErr.Status, apiErr)
	}
}

// controllerError maps controller and session errors onto API errors.
// id names the resource the failed call was about.
func controllerError(err error, id string) *APIError {
	switch {
	case errors.Is(err, upload.ErrSubmitDisabled):
		return NewConflictError("submit disabled: every file must be ready and no request may be in flight")
	case errors.Is(err, upload.ErrFileNotFound):
		return NewNotFoundError("file", id)
	case errors.Is(err, upload.ErrPreviewReleased):
		return NewNotFoundError("preview", id)
	case errors.Is(err, upload.ErrNoPrescription):
		return NewNotFoundError("prescription", id)
	case errors.Is(err, upload.ErrClosed), errors.Is(err, session.ErrNotFound):
		return NewNotFoundError("session", id)
	case errors.Is(err, session.ErrCapacity):
		return NewServiceUnavailableError(err.Error())
	default:
		return NewInternalError("unexpected error", err)
	}
}
