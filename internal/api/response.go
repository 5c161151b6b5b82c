package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errBody is the single error envelope all routes share; clients switch on
// the status code and read "error" for the detail.
type errBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Status already went out; nothing to send the client.
		slog.Debug("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errBody{Error: msg})
}
