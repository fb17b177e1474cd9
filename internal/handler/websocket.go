package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/hooktrap/internal/hub"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

const (
	wsWriteWait          = 10 * time.Second
	wsPongWait           = 60 * time.Second
	wsPingPeriod         = (wsPongWait * 9) / 10
	wsReadLimit          = 4096
	wsRecentRequestLimit = 20
	wsBodyPreviewBytes   = 500
)

// wsMessage is the envelope for everything crossing the socket, both
// directions. Only Type is always set.
type wsMessage struct {
	Type     string               `json:"type"`
	Endpoint *store.Endpoint      `json:"endpoint,omitempty"`
	Request  *store.Request       `json:"request,omitempty"`
	Requests []*store.Request     `json:"requests,omitempty"`
	Stats    *store.EndpointStats `json:"stats,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// WebSocket streams captures for one endpoint and answers a small command
// set: ping, get_endpoint_info, get_recent_requests, get_stats.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpointID")
	if endpointID == "" {
		h.writeError(w, http.StatusBadRequest, "missing endpoint ID")
		return
	}
	ep, err := h.Registry.Resolve(r.Context(), endpointID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "endpoint_id", endpointID, "error", err)
		return
	}

	sub := h.Hub.Subscribe(endpointID)
	out := make(chan wsMessage, 8)
	done := make(chan struct{})

	go h.wsReadPump(r.Context(), conn, endpointID, out, done)
	h.wsWritePump(conn, ep, sub, out, done)

	sub.Close()
	conn.Close()
}

// wsReadPump parses client commands and queues the replies. It owns all
// reads on the connection.
func (h *Handler) wsReadPump(ctx context.Context, conn *websocket.Conn, endpointID string, out chan<- wsMessage, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Log.Debug("websocket read failed", "endpoint_id", endpointID, "error", err)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.wsQueue(out, wsMessage{Type: "error", Error: "invalid message"})
			continue
		}
		h.wsHandleCommand(ctx, endpointID, msg, out)
	}
}

func (h *Handler) wsHandleCommand(ctx context.Context, endpointID string, msg wsMessage, out chan<- wsMessage) {
	switch msg.Type {
	case "ping":
		h.wsQueue(out, wsMessage{Type: "pong"})
	case "get_endpoint_info":
		ep, err := h.Registry.Resolve(ctx, endpointID)
		if err != nil {
			h.wsQueue(out, wsMessage{Type: "error", Error: "failed to load endpoint"})
			return
		}
		h.wsQueue(out, wsMessage{Type: "endpoint_info", Endpoint: ep})
	case "get_recent_requests":
		reqs, err := h.Store.GetRequests(ctx, endpointID, wsRecentRequestLimit)
		if err != nil {
			h.wsQueue(out, wsMessage{Type: "error", Error: "failed to load requests"})
			return
		}
		previews := make([]*store.Request, len(reqs))
		for i, req := range reqs {
			previews[i] = previewRequest(req)
		}
		h.wsQueue(out, wsMessage{Type: "recent_requests", Requests: previews})
	case "get_stats":
		stats, err := h.Store.GetStats(ctx, endpointID)
		if err != nil {
			h.wsQueue(out, wsMessage{Type: "error", Error: "failed to load stats"})
			return
		}
		h.wsQueue(out, wsMessage{Type: "stats", Stats: stats})
	default:
		h.wsQueue(out, wsMessage{Type: "error", Error: "unknown message type " + strconv.Quote(msg.Type)})
	}
}

// wsQueue drops the reply when the writer is backed up. A stalled writer is
// already on its way out; dropping beats deadlocking the read pump.
func (h *Handler) wsQueue(out chan<- wsMessage, msg wsMessage) {
	select {
	case out <- msg:
	default:
	}
}

// wsWritePump owns all writes on the connection: the endpoint_info hello,
// live captures, command replies and keepalive pings.
func (h *Handler) wsWritePump(conn *websocket.Conn, ep *store.Endpoint, sub *hub.Subscription, out <-chan wsMessage, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if err := h.wsWrite(conn, wsMessage{Type: "endpoint_info", Endpoint: ep}); err != nil {
		return
	}

	for {
		select {
		case req, ok := <-sub.C():
			if !ok {
				// The hub closed the stream, e.g. the endpoint was deleted.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "endpoint closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := h.wsWrite(conn, wsMessage{Type: "new_request", Request: req}); err != nil {
				return
			}
		case msg := <-out:
			if err := h.wsWrite(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) wsWrite(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

// previewRequest trims the body for list payloads; the full body stays one
// GetRequest away.
func previewRequest(req *store.Request) *store.Request {
	if len(req.Body) <= wsBodyPreviewBytes {
		return req
	}
	c := *req
	c.Body = c.Body[:wsBodyPreviewBytes]
	c.BodyTruncated = true
	return &c
}
