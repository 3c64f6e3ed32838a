package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relayio/relay/pkg/relay"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// writeRelayError maps the relay error taxonomy onto HTTP status codes.
func writeRelayError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*relay.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch rerr.Kind {
	case relay.KindInvalidInput:
		status = http.StatusBadRequest
	case relay.KindAccessDenied:
		status = http.StatusForbidden
	case relay.KindRateLimited:
		status = http.StatusTooManyRequests
	case relay.KindCircuitOpen, relay.KindBackpressure, relay.KindClosed:
		status = http.StatusServiceUnavailable
	case relay.KindBudgetExceeded:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": rerr.Reason, "kind": string(rerr.Kind)})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	flusher.Flush()
}
