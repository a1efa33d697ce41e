package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorResponse is the standardized error envelope returned to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code, message, and optional context.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`              // Machine-readable error code
	Message   string         `json:"message"`           // Human-readable error message
	Retryable bool           `json:"retryable"`         // Whether the client should retry
	Details   map[string]any `json:"details,omitempty"` // Optional context
}

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Error.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

// WriteError is a convenience function to write an error response in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	resp := NewErrorResponse(code, message, details)
	resp.WriteJSON(w)
}

// WriteSimpleError writes an error with no additional details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}

// WriteAppError maps any error to the envelope. Taxonomy errors keep their
// code, retryable bit, details, and Retry-After; everything else is surfaced
// as INTERNAL_ERROR without leaking internals.
func WriteAppError(w http.ResponseWriter, err error) {
	appErr, ok := AsError(err)
	if !ok {
		WriteSimpleError(w, ErrCodeInternalError, "internal server error")
		return
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(appErr.RetryAfter.Seconds())))
	}
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
			Details:   appErr.Details,
		},
	}
	resp.WriteJSON(w)
}
