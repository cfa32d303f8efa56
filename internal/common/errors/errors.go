// Package errors provides structured application errors with codes and
// HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used across the service.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeBranchInUse        = "BRANCH_IN_USE"
	ErrCodeReclaimBlocked     = "RECLAIM_BLOCKED"
	ErrCodeSpawnFailed        = "SPAWN_FAILED"
	ErrCodeAssistantTimeout   = "ASSISTANT_TIMEOUT"
	ErrCodeChunkTooLarge      = "CHUNK_TOO_LARGE"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeSubscriberLagged   = "SUBSCRIBER_LAGGED"
)

// AppError is an application error with a code, message and HTTP status.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not-found error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a bad-request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error (bad input, bad state transition).
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error (concurrent write detected).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates an internal error wrapping a cause.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// BranchInUse signals a workspace collision on (root_path, branch).
func BranchInUse(rootPath, branch string) *AppError {
	return &AppError{
		Code:       ErrCodeBranchInUse,
		Message:    fmt.Sprintf("branch %q already checked out under %s", branch, rootPath),
		HTTPStatus: http.StatusConflict,
	}
}

// ReclaimBlocked signals a workspace reclaim that could not commit pending changes.
func ReclaimBlocked(worktreePath string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeReclaimBlocked,
		Message:    fmt.Sprintf("could not commit pending changes in %s", worktreePath),
		HTTPStatus: http.StatusConflict,
		Err:        err,
	}
}

// SpawnFailed signals that the assistant subprocess could not be started.
func SpawnFailed(command string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    fmt.Sprintf("failed to start assistant %q", command),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AssistantTimeout signals that no event arrived within the idle window.
func AssistantTimeout(idleSeconds int) *AppError {
	return &AppError{
		Code:       ErrCodeAssistantTimeout,
		Message:    fmt.Sprintf("assistant produced no output for %d seconds", idleSeconds),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ChunkTooLarge signals an oversized NDJSON record that was dropped.
func ChunkTooLarge(size, limit int) *AppError {
	return &AppError{
		Code:       ErrCodeChunkTooLarge,
		Message:    fmt.Sprintf("event record of %d bytes exceeds %d byte limit", size, limit),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// StorageUnavailable signals that the persistence gateway is unreachable.
func StorageUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageUnavailable,
		Message:    "storage unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// SubscriberLagged signals a fan-out subscriber that fell behind and was dropped.
func SubscriberLagged(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodeSubscriberLagged,
		Message:    fmt.Sprintf("subscriber for task %s fell behind and was dropped", taskID),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an error with an AppError, preserving an existing AppError's code.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return InternalError(message, err)
}

// HasCode reports whether err is an AppError carrying the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// IsValidation reports whether err is a validation or bad-request error.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidation) || HasCode(err, ErrCodeBadRequest)
}

// GetHTTPStatus extracts the HTTP status from an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
