package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const sseKeepalive = 15 * time.Second

// SSE streams captures for one endpoint as new_request events.
func (h *Handler) SSE(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpointID")
	if endpointID == "" {
		h.writeError(w, http.StatusBadRequest, "missing endpoint ID")
		return
	}
	if _, err := h.Registry.Resolve(r.Context(), endpointID); err != nil {
		h.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Flush the headers to establish the connection
	flusher.Flush()

	sub := h.Hub.Subscribe(endpointID)
	defer sub.Close()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(req)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: new_request\ndata: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			// Heartbeat to keep connection alive
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
