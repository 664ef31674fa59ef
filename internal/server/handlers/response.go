package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kldeb/lambdev/internal/invoke"
)

// ErrorResponse is the emulator's structured error shape. It is deliberately
// distinct from anything a function handler would return, so "my handler
// threw" and "the emulator could not run your handler" stay tellable apart.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	JSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID,
	})
}

// encodeFunctionError serializes a handler's error envelope for the client.
func encodeFunctionError(fnErr *invoke.FunctionError) []byte {
	body, err := json.Marshal(fnErr)
	if err != nil {
		return []byte(`{"errorType":"Unhandled","errorMessage":"unserializable function error"}`)
	}
	return body
}
