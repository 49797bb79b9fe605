package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound           = errors.New("resource not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal error")
	ErrValidation         = errors.New("validation error")
)

// Error codes
const (
	CodeNotFound           = "not-found"
	CodeAlreadyExists      = "already-exists"
	CodeUnauthenticated    = "unauthenticated"
	CodePermissionDenied   = "permission-denied"
	CodeInvalidArgument    = "invalid-argument"
	CodeFailedPrecondition = "failed-precondition"
	CodeUnavailable        = "unavailable"
	CodeDeadlineExceeded   = "deadline-exceeded"
	CodeCanceled           = "canceled"
	CodeBadRequest         = "bad-request"
	CodeConflict           = "conflict"
	CodeValidation         = "validation-error"
	CodeInternal           = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       CodeNotFound,
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// AlreadyExists creates an already exists error
func AlreadyExists(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrAlreadyExists,
		Message:    fmt.Sprintf("%s already exists", resource),
		Code:       CodeAlreadyExists,
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthenticated creates an unauthenticated error
func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthenticated,
		Message:    message,
		Code:       CodeUnauthenticated,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// PermissionDenied creates a permission denied error for the given path
func PermissionDenied(path string, operation string) *AppError {
	return &AppError{
		Err:        ErrPermissionDenied,
		Message:    fmt.Sprintf("missing or insufficient permissions to %s %s", operation, path),
		Code:       CodePermissionDenied,
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]string{"path": path, "operation": operation},
	}
}

// InvalidArgument creates an invalid argument error
func InvalidArgument(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidArgument,
		Message:    message,
		Code:       CodeInvalidArgument,
		HTTPStatus: http.StatusBadRequest,
	}
}

// FailedPrecondition creates a failed precondition error
func FailedPrecondition(message string) *AppError {
	return &AppError{
		Err:        ErrFailedPrecondition,
		Message:    message,
		Code:       CodeFailedPrecondition,
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// Unavailable creates an unavailable error
func Unavailable(message string, err error) *AppError {
	if err == nil {
		err = ErrUnavailable
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       CodeUnavailable,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       CodeBadRequest,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       CodeValidation,
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       CodeConflict,
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       CodeInternal,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// FromCode rebuilds an AppError from a code received over the wire.
func FromCode(code, message string) *AppError {
	e := &AppError{Message: message, Code: code, HTTPStatus: http.StatusInternalServerError}
	switch code {
	case CodeNotFound:
		e.Err, e.HTTPStatus = ErrNotFound, http.StatusNotFound
	case CodeAlreadyExists:
		e.Err, e.HTTPStatus = ErrAlreadyExists, http.StatusConflict
	case CodeUnauthenticated:
		e.Err, e.HTTPStatus = ErrUnauthenticated, http.StatusUnauthorized
	case CodePermissionDenied:
		e.Err, e.HTTPStatus = ErrPermissionDenied, http.StatusForbidden
	case CodeInvalidArgument:
		e.Err, e.HTTPStatus = ErrInvalidArgument, http.StatusBadRequest
	case CodeFailedPrecondition:
		e.Err, e.HTTPStatus = ErrFailedPrecondition, http.StatusPreconditionFailed
	case CodeUnavailable:
		e.Err, e.HTTPStatus = ErrUnavailable, http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		e.Err, e.HTTPStatus = context.DeadlineExceeded, http.StatusGatewayTimeout
	case CodeCanceled:
		e.Err = context.Canceled
	case CodeConflict:
		e.Err, e.HTTPStatus = ErrConflict, http.StatusConflict
	case CodeBadRequest:
		e.Err, e.HTTPStatus = ErrBadRequest, http.StatusBadRequest
	case CodeValidation:
		e.Err, e.HTTPStatus = ErrValidation, http.StatusBadRequest
	default:
		e.Err = ErrInternal
	}
	return e
}

// CodeOf returns the error code carried by err, or a code inferred from
// well-known sentinel and context errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       CodeInternal,
		HTTPStatus: http.StatusInternalServerError,
	}
}
