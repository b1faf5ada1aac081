// Package errors maps service errors onto HTTP responses.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/devrev/pairdoc/internal/service"
	"github.com/devrev/pairdoc/internal/store"
	"github.com/devrev/pairdoc/internal/transform"
	"go.uber.org/zap"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// General errors
	ErrorCodeUnknown        ErrorCode = "UNKNOWN"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceDown    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"

	// Sync errors
	ErrorCodeDocumentNotFound ErrorCode = "DOCUMENT_NOT_FOUND"
	ErrorCodeStaleVersion     ErrorCode = "STALE_VERSION"
	ErrorCodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler provides error handling functionality.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError writes the response matching err.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	h.WriteErrorResponse(w, StatusFor(err), CodeFor(err), err.Error(), r.Header.Get("X-Request-ID"))
}

// StatusFor converts an error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, service.ErrInvalidOperation),
		stderrors.Is(err, transform.ErrInvalidPayload),
		stderrors.Is(err, transform.ErrUnknownEngine):
		return http.StatusBadRequest
	case stderrors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, service.ErrStaleVersion):
		return http.StatusConflict
	case stderrors.Is(err, service.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CodeFor converts an error to an application error code.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeUnknown
	case stderrors.Is(err, transform.ErrInvalidPayload):
		return ErrorCodeInvalidPayload
	case stderrors.Is(err, service.ErrInvalidOperation),
		stderrors.Is(err, transform.ErrUnknownEngine):
		return ErrorCodeInvalidRequest
	case stderrors.Is(err, store.ErrNotFound):
		return ErrorCodeDocumentNotFound
	case stderrors.Is(err, service.ErrStaleVersion):
		return ErrorCodeStaleVersion
	case stderrors.Is(err, service.ErrQueueClosed):
		return ErrorCodeServiceDown
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	default:
		return ErrorCodeInternalError
	}
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded", requestID)
}
