package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

type createEndpointRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// TTLSeconds zero picks the server default, negative disables time
	// expiry.
	TTLSeconds     int64           `json:"ttl_seconds"`
	MaxRequests    int             `json:"max_requests"`
	Schema         json.RawMessage `json:"schema"`
	AutoDeleteDays int             `json:"auto_delete_after_days"`
}

type endpointResponse struct {
	*store.Endpoint
	URL string `json:"url"`
}

func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	schemaJSON := string(req.Schema)
	if schemaJSON == "null" {
		schemaJSON = ""
	}

	ep, err := h.Registry.Create(r.Context(), registry.CreateParams{
		Name:           req.Name,
		Description:    req.Description,
		CreatorID:      h.GetBrowserID(w, r),
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		MaxRequests:    req.MaxRequests,
		SchemaJSON:     schemaJSON,
		AutoDeleteDays: req.AutoDeleteDays,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidParam):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, registry.ErrConflict):
			h.writeError(w, http.StatusConflict, "could not allocate endpoint, try again")
		default:
			h.Log.Error("creating endpoint failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to create endpoint")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, endpointResponse{Endpoint: ep, URL: h.captureURL(r, ep.ID)})
}

type listEndpointsResponse struct {
	Endpoints []endpointResponse `json:"endpoints"`
}

// ListEndpoints returns the caller's endpoints, scoped by browser ID.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	endpoints, err := h.Registry.List(r.Context(), h.GetBrowserID(w, r), limit)
	if err != nil {
		h.Log.Error("listing endpoints failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}

	resp := listEndpointsResponse{Endpoints: make([]endpointResponse, 0, len(endpoints))}
	for _, ep := range endpoints {
		resp.Endpoints = append(resp.Endpoints, endpointResponse{Endpoint: ep, URL: h.captureURL(r, ep.ID)})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetEndpoint is deliberately not scoped to the creator: knowing the
// identifier is the access model, same as for captures.
func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, endpointResponse{Endpoint: ep, URL: h.captureURL(r, ep.ID)})
}

func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}
	if !h.authorizeOwner(w, r, ep) {
		return
	}

	// Live viewers get cut off right away even though the rows linger
	// until the reaper's pass.
	h.Hub.CloseEndpoint(ep.ID)

	if err := h.Registry.Delete(r.Context(), ep.ID); err != nil {
		h.Log.Error("deleting endpoint failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete endpoint")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetEndpointSchema attaches the JSON Schema carried in the request body.
func (h *Handler) SetEndpointSchema(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}
	if !h.authorizeOwner(w, r, ep) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := h.Registry.SetSchema(r.Context(), ep.ID, string(body)); err != nil {
		if errors.Is(err, registry.ErrInvalidParam) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Log.Error("updating schema failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update schema")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteEndpointSchema(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}
	if !h.authorizeOwner(w, r, ep) {
		return
	}

	if err := h.Registry.ClearSchema(r.Context(), ep.ID); err != nil {
		h.Log.Error("clearing schema failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to clear schema")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listRequestsResponse struct {
	Requests []*store.Request `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	reqs, err := h.Store.GetRequestsWithOffset(r.Context(), ep.ID, limit, offset)
	if err != nil {
		h.Log.Error("listing requests failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch requests")
		return
	}
	total, err := h.Store.CountRequests(r.Context(), ep.ID)
	if err != nil {
		h.Log.Error("counting requests failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch requests")
		return
	}

	h.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: reqs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *Handler) EndpointStats(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.resolveEndpoint(w, r)
	if !ok {
		return
	}

	stats, err := h.Store.GetStats(r.Context(), ep.ID)
	if err != nil {
		h.Log.Error("loading stats failed", "endpoint_id", ep.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) resolveEndpoint(w http.ResponseWriter, r *http.Request) (*store.Endpoint, bool) {
	endpointID := chi.URLParam(r, "endpointID")
	if endpointID == "" {
		h.writeError(w, http.StatusBadRequest, "missing endpoint ID")
		return nil, false
	}
	ep, err := h.Registry.Resolve(r.Context(), endpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "endpoint not found")
		} else {
			h.Log.Error("resolving endpoint failed", "endpoint_id", endpointID, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to load endpoint")
		}
		return nil, false
	}
	return ep, true
}

func (h *Handler) authorizeOwner(w http.ResponseWriter, r *http.Request, ep *store.Endpoint) bool {
	if ep.CreatorID != "" && ep.CreatorID != h.GetBrowserID(w, r) {
		h.writeError(w, http.StatusForbidden, "not your endpoint")
		return false
	}
	return true
}

func (h *Handler) captureURL(r *http.Request, endpointID string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/h/" + endpointID
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}
