package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/hooktrap/internal/capture"
	"github.com/PipeOpsHQ/hooktrap/internal/hub"
	"github.com/PipeOpsHQ/hooktrap/internal/logging"
	"github.com/PipeOpsHQ/hooktrap/internal/ratelimit"
	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

type testEnv struct {
	handler *Handler
	reg     *registry.Registry
	st      store.Store
	hub     *hub.Hub
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLimiter(t, nil)
}

func newTestEnvWithLimiter(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.Nop()
	reg := registry.New(st, log, registry.Options{})
	liveHub := hub.New(0)
	svc := capture.New(reg, st, liveHub, limiter, nil, log, capture.Options{})
	h := New(reg, st, svc, liveHub, log)

	// Same route table as cmd/server.
	r := chi.NewRouter()
	r.HandleFunc("/h/{endpointID}", h.CaptureWebhook)
	r.HandleFunc("/h/{endpointID}/*", h.CaptureWebhook)
	r.Get("/ws/{endpointID}", h.WebSocket)
	r.Get("/sse/{endpointID}", h.SSE)
	r.Route("/api", func(r chi.Router) {
		r.Post("/endpoints", h.CreateEndpoint)
		r.Get("/endpoints", h.ListEndpoints)
		r.Get("/endpoints/{endpointID}", h.GetEndpoint)
		r.Delete("/endpoints/{endpointID}", h.DeleteEndpoint)
		r.Put("/endpoints/{endpointID}/schema", h.SetEndpointSchema)
		r.Delete("/endpoints/{endpointID}/schema", h.DeleteEndpointSchema)
		r.Get("/endpoints/{endpointID}/requests", h.ListRequests)
		r.Get("/endpoints/{endpointID}/stats", h.EndpointStats)
		r.Get("/requests/{requestID}", h.GetRequest)
		r.Delete("/requests/{requestID}", h.DeleteRequest)
		r.Post("/requests/{requestID}/replay", h.ReplayRequest)
	})

	return &testEnv{handler: h, reg: reg, st: st, hub: liveHub, router: r}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// createEndpoint provisions an endpoint through the API and returns the
// response together with the browser cookie identifying its creator.
func (e *testEnv) createEndpoint(t *testing.T, body string) (endpointResponse, *http.Cookie) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/endpoints", strings.NewReader(body))
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp endpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Endpoint)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == browserIDCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	return resp, cookie
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}
