// Package errors provides the application error types used across the orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. This is the closed set of error kinds the
// orchestrator surfaces to clients; every failure maps to exactly one.
const (
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeAccessDenied       = "ACCESS_DENIED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNameInUse          = "NAME_IN_USE"
	ErrCodeBranchInUse        = "BRANCH_IN_USE"
	ErrCodeImageMissing       = "IMAGE_MISSING"
	ErrCodeRepoUnavailable    = "REPO_UNAVAILABLE"
	ErrCodeMountMissing       = "MOUNT_MISSING"
	ErrCodeMountReadOnly      = "MOUNT_READ_ONLY"
	ErrCodeMountPermission    = "MOUNT_PERMISSION_DENIED"
	ErrCodeBranchNotFound     = "BRANCH_NOT_FOUND_AND_NO_DEFAULT"
	ErrCodeDiskFull           = "DISK_FULL"
	ErrCodeGitFailure         = "GIT_FAILURE"
	ErrCodeContainerCreate    = "CONTAINER_CREATE_FAILED"
	ErrCodeContainerGone      = "CONTAINER_GONE"
	ErrCodeRuntimeFailure     = "RUNTIME_FAILURE"
	ErrCodeStoreConflict      = "STORE_CONFLICT"
	ErrCodeNetworkTimeout     = "NETWORK_TIMEOUT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a structured detail to the error and returns it.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthenticated creates an error for missing or invalid credentials.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthenticated,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// AccessDenied creates an error for a principal that does not own the resource.
func AccessDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAccessDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NameInUse creates a conflict error for a duplicate environment or session name.
func NameInUse(name string) *AppError {
	return &AppError{
		Code:       ErrCodeNameInUse,
		Message:    fmt.Sprintf("name '%s' is already in use", name),
		HTTPStatus: http.StatusConflict,
	}
}

// BranchInUse creates a conflict error for a branch already claimed by a
// non-dead session in the same environment.
func BranchInUse(branch string) *AppError {
	return &AppError{
		Code:       ErrCodeBranchInUse,
		Message:    fmt.Sprintf("branch '%s' is already in use by another session", branch),
		HTTPStatus: http.StatusConflict,
	}
}

// ImageMissing creates an error for a sandbox image absent from the runtime.
// The message carries remediation text naming the image.
func ImageMissing(image string) *AppError {
	return &AppError{
		Code: ErrCodeImageMissing,
		Message: fmt.Sprintf(
			"sandbox image '%s' not found; pull or build it before creating sessions (docker pull %s)",
			image, image),
		HTTPStatus: http.StatusBadRequest,
	}
}

// RepoUnavailable creates an error for an unreachable or uncloneable repository.
func RepoUnavailable(url string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRepoUnavailable,
		Message:    fmt.Sprintf("repository '%s' is unavailable", url),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// MountReadOnly creates an error for a read-only bare-clone mount.
// The message names the mount path; the bare repository must be mounted read-write.
func MountReadOnly(mountPath string) *AppError {
	return &AppError{
		Code: ErrCodeMountReadOnly,
		Message: fmt.Sprintf(
			"mount '%s' is read-only: the bare repository must be mounted read-write", mountPath),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// MountMissing creates an error for an absent bare-clone mount inside a container.
func MountMissing(mountPath string) *AppError {
	return &AppError{
		Code:       ErrCodeMountMissing,
		Message:    fmt.Sprintf("mount '%s' is missing inside the container", mountPath),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// MountPermissionDenied creates an error for a bare-clone mount the container
// user cannot write to.
func MountPermissionDenied(mountPath string) *AppError {
	return &AppError{
		Code:       ErrCodeMountPermission,
		Message:    fmt.Sprintf("permission denied writing to mount '%s'", mountPath),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// BranchNotFoundAndNoDefault creates an error for a bare clone with no local
// branches even after a fetch.
func BranchNotFoundAndNoDefault(branch string) *AppError {
	return &AppError{
		Code:       ErrCodeBranchNotFound,
		Message:    fmt.Sprintf("branch '%s' not found and the repository has no default branch", branch),
		HTTPStatus: http.StatusBadRequest,
	}
}

// DiskFull creates an error for a filesystem with no space left.
func DiskFull(path string) *AppError {
	return &AppError{
		Code:       ErrCodeDiskFull,
		Message:    fmt.Sprintf("no space left on device at '%s'", path),
		HTTPStatus: http.StatusInsufficientStorage,
	}
}

// ContainerCreateFailed creates an error for a container the runtime refused
// to create or start.
func ContainerCreateFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeContainerCreate,
		Message:    "failed to create container",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// RuntimeFailure creates an error for an unexpected container runtime failure.
func RuntimeFailure(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeFailure,
		Message:    fmt.Sprintf("container runtime %s failed", operation),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NetworkTimeout creates an error for an operation that exceeded its deadline.
func NetworkTimeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeNetworkTimeout,
		Message:    fmt.Sprintf("%s timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ContainerGone creates an error for a container id no longer known to the runtime.
func ContainerGone(containerID string) *AppError {
	return &AppError{
		Code:       ErrCodeContainerGone,
		Message:    fmt.Sprintf("container '%s' no longer exists", containerID),
		HTTPStatus: http.StatusConflict,
	}
}

// GitFailure creates an error wrapping git stderr output.
func GitFailure(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeGitFailure,
		Message:    fmt.Sprintf("git %s failed", operation),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsConflict checks if the error is a name or branch conflict.
func IsConflict(err error) bool {
	code := Code(err)
	return code == ErrCodeNameInUse || code == ErrCodeBranchInUse || code == ErrCodeStoreConflict
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
