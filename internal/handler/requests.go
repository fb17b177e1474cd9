package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request ID")
		return
	}

	rec, err := h.Store.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request ID")
		return
	}

	if _, err := h.Store.GetRequest(r.Context(), id); err != nil {
		h.writeError(w, http.StatusNotFound, "request not found")
		return
	}

	if err := h.Store.DeleteRequest(r.Context(), id); err != nil {
		h.Log.Error("deleting request failed", "request_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
