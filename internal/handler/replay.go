package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

var replayClient = &http.Client{Timeout: 30 * time.Second}

type replayParams struct {
	TargetURL string `json:"target_url"`
}

type replayResponse struct {
	Target string `json:"target"`
	Status int    `json:"status"`
}

// ReplayRequest re-sends a captured request, by default back at this
// server's own capture endpoint, or at target_url when given.
func (h *Handler) ReplayRequest(w http.ResponseWriter, r *http.Request) {
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

	var params replayParams
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	targetURL := params.TargetURL
	if targetURL == "" {
		targetURL = "http://" + r.Host + rec.Path
		if rec.Query != "" {
			targetURL += "?" + rec.Query
		}
	}

	newReq, err := http.NewRequestWithContext(r.Context(), rec.Method, targetURL, strings.NewReader(rec.Body))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid target URL")
		return
	}

	var headers map[string][]string
	if err := json.Unmarshal([]byte(rec.Headers), &headers); err == nil {
		for k, vals := range headers {
			// Don't replay headers that should be unique to the new request
			if k == "Host" || k == "Content-Length" || k == "Connection" {
				continue
			}
			for _, val := range vals {
				newReq.Header.Add(k, val)
			}
		}
	}

	resp, err := replayClient.Do(newReq)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "replay failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	h.writeJSON(w, http.StatusOK, replayResponse{Target: targetURL, Status: resp.StatusCode})
}
