package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout        ErrorType = "TIMEOUT"
	ErrorTypeServiceDown    ErrorType = "SERVICE_DOWN"
	ErrorTypeProcessSpawn   ErrorType = "PROCESS_SPAWN"
	ErrorTypeProcessExit    ErrorType = "PROCESS_EXIT"
	ErrorTypePortAllocation ErrorType = "PORT_ALLOCATION"
	ErrorTypeNoImage        ErrorType = "NO_IMAGE"
)

// SessionNotFoundMessage is reported to the hub when a start arrives for a
// session that was never prepared or is already gone.
const SessionNotFoundMessage = "session information not found"

// NoImageMessage is the only failure a snapshot caller ever sees.
const NoImageMessage = "no image available"

// AppError represents an application error with additional context.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode adds an error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// New creates a new AppError.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewSessionNotFoundError is returned when start finds no pending session.
func NewSessionNotFoundError(sessionID string) *AppError {
	return New(ErrorTypeNotFound, SessionNotFoundMessage, http.StatusNotFound).
		WithDetails(map[string]interface{}{"session_id": sessionID})
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusRequestTimeout)
}

func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// NewProcessSpawnError wraps a failure to start the transcoder.
func NewProcessSpawnError(err error, path string) *AppError {
	return Wrap(err, ErrorTypeProcessSpawn, fmt.Sprintf("failed to start %s", path), http.StatusInternalServerError)
}

// NewProcessExitError describes an unexpected transcoder exit.
func NewProcessExitError(code int, signal string) *AppError {
	msg := fmt.Sprintf("transcoder exited with code %d", code)
	if signal != "" {
		msg = fmt.Sprintf("transcoder exited with code %d and signal %s", code, signal)
	}
	return New(ErrorTypeProcessExit, msg, http.StatusInternalServerError).
		WithDetails(map[string]interface{}{"code": code, "signal": signal})
}

// NewPortAllocationError wraps a failure to reserve a UDP port.
func NewPortAllocationError(err error) *AppError {
	return Wrap(err, ErrorTypePortAllocation, "failed to allocate return port", http.StatusInternalServerError)
}

// NewNoImageError hides the underlying snapshot failure from the caller.
func NewNoImageError() *AppError {
	return New(ErrorTypeNoImage, NoImageMessage, http.StatusNotFound)
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}

// GetAppError extracts an AppError anywhere in err's chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Type == errType
}
