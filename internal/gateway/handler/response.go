package handler

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope for the plain HTTP endpoints.
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// SuccessResponse writes a 200 envelope.
func SuccessResponse(w http.ResponseWriter, data interface{}, requestID string) {
	writeResponse(w, http.StatusOK, Response{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: requestID,
	})
}

// ErrorResponse writes an error envelope with the given status.
func ErrorResponse(w http.ResponseWriter, statusCode int, message string, requestID string) {
	writeResponse(w, statusCode, Response{
		Code:      statusCode,
		Message:   message,
		RequestID: requestID,
	})
}

func writeResponse(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
