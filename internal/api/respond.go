package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Error codes shared by every endpoint.
const (
	CodeServerError    = "SERVER_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidReport  = "INVALID_REPORT"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNoAPIKey       = "API_KEY_NOT_CONFIGURED"
	CodeRateLimited    = "RATE_LIMITED"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":"failed to encode response","errorCode":"SERVER_ERROR"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// writeData writes {success:true, data, timestamp} plus any extra fields.
func writeData(w http.ResponseWriter, data any, extra map[string]any) {
	body := map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": now(),
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeError writes {success:false, error, errorCode, timestamp}.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]any{
		"success":   false,
		"error":     message,
		"errorCode": code,
		"timestamp": now(),
	})
}

// writeServerError hides the internal error from the client.
func writeServerError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, CodeServerError, "internal server error")
}
