package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("New creates error correctly", func(t *testing.T) {
		err := New(ErrorTypeValidation, "Invalid input", http.StatusBadRequest)

		assert.Equal(t, ErrorTypeValidation, err.Type)
		assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
		assert.Equal(t, "VALIDATION_ERROR: Invalid input", err.Error())
	})

	t.Run("Wrap wraps error correctly", func(t *testing.T) {
		original := errors.New("bind: address already in use")
		err := Wrap(original, ErrorTypePortAllocation, "no port", http.StatusInternalServerError)

		assert.Equal(t, original, err.Unwrap())
		assert.True(t, errors.Is(err, original))
		assert.Contains(t, err.Error(), "address already in use")
	})

	t.Run("WithDetails and WithCode", func(t *testing.T) {
		err := NewValidationError("bad").WithCode("ERR_001").WithDetails(map[string]interface{}{"field": "width"})
		assert.Equal(t, "ERR_001", err.Code)
		assert.Equal(t, "width", err.Details["field"])
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantType   ErrorType
		wantStatus int
		wantMsg    string
	}{
		{"validation", NewValidationError("bad width"), ErrorTypeValidation, http.StatusBadRequest, "bad width"},
		{"not found", NewNotFoundError("accessory"), ErrorTypeNotFound, http.StatusNotFound, "accessory not found"},
		{"session not found", NewSessionNotFoundError("abc"), ErrorTypeNotFound, http.StatusNotFound, SessionNotFoundMessage},
		{"internal", NewInternalError("oops"), ErrorTypeInternal, http.StatusInternalServerError, "oops"},
		{"timeout", NewTimeoutError("slow"), ErrorTypeTimeout, http.StatusRequestTimeout, "slow"},
		{"service down", NewServiceDownError("redis"), ErrorTypeServiceDown, http.StatusServiceUnavailable, "redis service is currently unavailable"},
		{"spawn", NewProcessSpawnError(errors.New("enoent"), "ffmpeg"), ErrorTypeProcessSpawn, http.StatusInternalServerError, "failed to start ffmpeg"},
		{"exit", NewProcessExitError(1, ""), ErrorTypeProcessExit, http.StatusInternalServerError, "transcoder exited with code 1"},
		{"exit signal", NewProcessExitError(-1, "killed"), ErrorTypeProcessExit, http.StatusInternalServerError, "transcoder exited with code -1 and signal killed"},
		{"port", NewPortAllocationError(errors.New("x")), ErrorTypePortAllocation, http.StatusInternalServerError, "failed to allocate return port"},
		{"no image", NewNoImageError(), ErrorTypeNoImage, http.StatusNotFound, NoImageMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
			assert.Equal(t, tt.wantMsg, tt.err.Message)
		})
	}
}

func TestSessionNotFoundDetails(t *testing.T) {
	err := NewSessionNotFoundError("sess-9")
	assert.Equal(t, "sess-9", err.Details["session_id"])
}

func TestGetAppError(t *testing.T) {
	appErr := NewNoImageError()

	got, ok := GetAppError(appErr)
	require.True(t, ok)
	assert.Same(t, appErr, got)

	wrapped := fmt.Errorf("snapshot: %w", appErr)
	got, ok = GetAppError(wrapped)
	require.True(t, ok)
	assert.Same(t, appErr, got)
	assert.True(t, IsAppError(wrapped))
	assert.True(t, IsType(wrapped, ErrorTypeNoImage))
	assert.False(t, IsType(wrapped, ErrorTypeNotFound))

	_, ok = GetAppError(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsType(nil, ErrorTypeInternal))
}
