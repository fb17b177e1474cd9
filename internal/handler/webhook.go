package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PipeOpsHQ/hooktrap/internal/capture"
	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

// CaptureWebhook accepts any method and any payload addressed at an
// endpoint and hands it to the capture pipeline.
func (h *Handler) CaptureWebhook(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpointID")
	if endpointID == "" {
		h.writeError(w, http.StatusBadRequest, "missing endpoint ID")
		return
	}

	// Webhook senders live on other origins by definition.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	// A real CORS preflight is browser plumbing, not a webhook. Bare
	// OPTIONS requests without the preflight marker still get captured.
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := h.Capture.Capture(r.Context(), endpointID, capture.FromHTTP(r)); err != nil {
		h.captureError(w, endpointID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) captureError(w http.ResponseWriter, endpointID string, err error) {
	var rle *capture.RateLimitedError
	var se *capture.StorageError
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "endpoint not found")
	case errors.Is(err, registry.ErrGone):
		h.writeError(w, http.StatusGone, "Webhook endpoint has expired.")
	case errors.Is(err, registry.ErrQuotaExceeded):
		h.writeError(w, http.StatusTooManyRequests, "Maximum request limit reached.")
	case errors.As(err, &rle):
		secs := int((rle.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &se):
		h.Log.Error("capture failed", "endpoint_id", endpointID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage failure")
	default:
		h.Log.Error("capture failed", "endpoint_id", endpointID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to process request")
	}
}
