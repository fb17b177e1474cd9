// Package handler exposes the HTTP surface: the capture endpoint, the
// management API and the live views (WebSocket and SSE).
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/hooktrap/internal/capture"
	"github.com/PipeOpsHQ/hooktrap/internal/hub"
	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

const browserIDCookieName = "hooktrap_browser_id"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type Handler struct {
	Registry *registry.Registry
	Store    store.Store
	Capture  *capture.Service
	Hub      *hub.Hub
	Log      *slog.Logger
}

func New(reg *registry.Registry, st store.Store, svc *capture.Service, h *hub.Hub, log *slog.Logger) *Handler {
	return &Handler{
		Registry: reg,
		Store:    st,
		Capture:  svc,
		Hub:      h,
		Log:      log,
	}
}

// GetBrowserID retrieves or creates a browser fingerprint ID from cookies.
// Endpoints remember it as their creator, which is all the ownership model
// this service has.
func (h *Handler) GetBrowserID(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(browserIDCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	browserID := uuid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     browserIDCookieName,
		Value:    browserID,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})

	return browserID
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Warn("writing response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}
