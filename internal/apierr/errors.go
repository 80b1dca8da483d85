// Package apierr writes structured JSON errors for the local API.
package apierr

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/offline-sync/internal/logger"
)

// ErrorCode represents a structured error code
type ErrorCode string

// Error code constants organized by category
const (
	// CACHE_ - Entry store errors
	ErrCacheNotFound    ErrorCode = "CACHE_NOT_FOUND"
	ErrCacheWriteFailed ErrorCode = "CACHE_WRITE_FAILED"
	ErrCacheReadFailed  ErrorCode = "CACHE_READ_FAILED"

	// QUEUE_ - Operation queue errors
	ErrQueueInvalidOperation ErrorCode = "QUEUE_INVALID_OPERATION"
	ErrQueuePersistFailed    ErrorCode = "QUEUE_PERSIST_FAILED"

	// SYNC_ - Sync coordinator errors
	ErrSyncOffline ErrorCode = "SYNC_OFFLINE"

	// SYSTEM_ - System and server errors
	ErrSystemInternal    ErrorCode = "SYSTEM_INTERNAL"
	ErrSystemStorage     ErrorCode = "SYSTEM_STORAGE"
	ErrSystemUnavailable ErrorCode = "SYSTEM_UNAVAILABLE"

	// VALIDATION_ - Request validation errors
	ErrValidationInvalidJSON  ErrorCode = "VALIDATION_INVALID_JSON"
	ErrValidationMissingField ErrorCode = "VALIDATION_MISSING_FIELD"
	ErrValidationInvalidValue ErrorCode = "VALIDATION_INVALID_VALUE"

	// RESOURCE_ - Resource errors
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
)

// Error represents a structured API error
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	status    int            // HTTP status code (not serialized)
}

// ErrorResponse is the top-level error response wrapper
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// New creates a new API error
func New(code ErrorCode, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		status:  status,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Status returns the HTTP status code
func (e *Error) Status() int {
	return e.status
}

// WriteError writes a structured error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// CacheNotFound is a miss or an expired entry.
func CacheNotFound(kind, key string) *Error {
	return New(ErrCacheNotFound, "No fresh cache entry", http.StatusNotFound).
		WithDetails(map[string]any{"kind": kind, "key": key})
}

// CacheWriteFailed creates a cache write failure error
func CacheWriteFailed(message string) *Error {
	if message == "" {
		message = "Failed to persist cache entry"
	}
	return New(ErrCacheWriteFailed, message, http.StatusInternalServerError)
}

// CacheReadFailed creates a cache enumeration/stats failure error
func CacheReadFailed(message string) *Error {
	if message == "" {
		message = "Failed to read cache"
	}
	return New(ErrCacheReadFailed, message, http.StatusInternalServerError)
}

// QueueInvalidOperation rejects an operation before it is queued.
func QueueInvalidOperation(message string) *Error {
	if message == "" {
		message = "Invalid operation"
	}
	return New(ErrQueueInvalidOperation, message, http.StatusBadRequest)
}

// QueuePersistFailed means the operation was not durably queued.
func QueuePersistFailed(message string) *Error {
	if message == "" {
		message = "Failed to persist operation queue"
	}
	return New(ErrQueuePersistFailed, message, http.StatusInternalServerError)
}

// SyncOffline rejects a forced sync while the remote is unreachable.
func SyncOffline() *Error {
	return New(ErrSyncOffline, "Cannot sync while offline", http.StatusServiceUnavailable)
}

// SystemInternal creates an internal server error
func SystemInternal(message string) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return New(ErrSystemInternal, message, http.StatusInternalServerError)
}

// SystemStorage creates a storage error
func SystemStorage(message string) *Error {
	if message == "" {
		message = "Storage error"
	}
	return New(ErrSystemStorage, message, http.StatusInternalServerError)
}

// SystemUnavailable creates a service unavailable error
func SystemUnavailable(message string) *Error {
	if message == "" {
		message = "Service unavailable"
	}
	return New(ErrSystemUnavailable, message, http.StatusServiceUnavailable)
}

// ValidationInvalidJSON creates an invalid JSON error
func ValidationInvalidJSON() *Error {
	return New(ErrValidationInvalidJSON, "Invalid JSON request body", http.StatusBadRequest)
}

// ValidationMissingField creates a missing field error
func ValidationMissingField(field string) *Error {
	return New(ErrValidationMissingField, "Missing required field: "+field, http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

// ValidationInvalidValue creates an invalid value error
func ValidationInvalidValue(field string, message string) *Error {
	if message == "" {
		message = "Invalid value for field: " + field
	}
	return New(ErrValidationInvalidValue, message, http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

// ResourceNotFound creates a resource not found error
func ResourceNotFound(resourceType string) *Error {
	return New(ErrResourceNotFound, resourceType+" not found", http.StatusNotFound).
		WithDetails(map[string]any{"resource_type": resourceType})
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WriteErrorWithContext writes a structured error response with request ID from context
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}
