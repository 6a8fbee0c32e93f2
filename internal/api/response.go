package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WebhookResponse is the body of an accepted webhook delivery.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
	Queued    *bool  `json:"queued,omitempty"`
}

// JobResponse is the body of an internal job request.
type JobResponse struct {
	Queued bool   `json:"queued"`
	Job    string `json:"job"`
	JobID  string `json:"jobId,omitempty"`
	Result any    `json:"result,omitempty"`
}

// encodeFailureBody is written when a handler's response cannot be encoded.
const encodeFailureBody = `{"error":"Internal server error"}`

// writeJSONResponse encodes response before touching the writer, so an encoding failure
// still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server writeJSONResponse encode failed", "status", statusCode, "error", err)
		body, statusCode = []byte(encodeFailureBody), http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Server writeJSONResponse write failed", "status", statusCode, "error", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: msg})
}
