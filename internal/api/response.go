package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// encodeFailure replaces a payload that cannot be encoded.
var encodeFailure = []byte(`{"status":"error","message":"Failed to encode response"}`)

// writeResult writes a success envelope. An empty message is omitted.
func writeResult(w http.ResponseWriter, r *http.Request, statusCode int, message string, result interface{}) {
	writeJSON(w, r, statusCode, models.SuccessWithMessage(message, result))
}

// writeError writes an error envelope carrying the client-facing message.
// Handlers log server-side causes themselves before calling it.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	if statusCode < http.StatusInternalServerError {
		slog.Debug("Server.writeError: request rejected", "method", r.Method, "path", r.URL.Path, "status", statusCode, "message", message)
	}
	writeJSON(w, r, statusCode, models.Error(message))
}

// writeJSON encodes body before touching headers so an encoding failure can
// still answer 500.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSON: failed to encode response", "error", err, "method", r.Method, "path", r.URL.Path)
		data, statusCode = encodeFailure, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Server.writeJSON: client went away", "error", err, "path", r.URL.Path)
	}
}
