// Package capture runs the ingest pipeline for inbound webhook requests:
// admission, rate limiting, the quota increment, normalization, schema
// validation, persistence and live fan-out. The request count moves before
// the body is read, so two senders racing for the last quota slot are
// decided by the store, not by who finishes uploading first.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/PipeOpsHQ/hooktrap/internal/geoip"
	"github.com/PipeOpsHQ/hooktrap/internal/hub"
	"github.com/PipeOpsHQ/hooktrap/internal/metrics"
	"github.com/PipeOpsHQ/hooktrap/internal/ratelimit"
	"github.com/PipeOpsHQ/hooktrap/internal/registry"
	"github.com/PipeOpsHQ/hooktrap/internal/schema"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

const defaultMaxBodyBytes = 1 << 20

// Inbound is one delivery stripped down to what the pipeline needs. Handlers
// build it from the live request via FromHTTP; tests construct it directly.
// Body is read at most once and may be nil.
type Inbound struct {
	Method     string
	Path       string
	Query      string
	Header     http.Header
	Body       io.Reader
	RemoteAddr string
}

// FromHTTP adapts a server request into an Inbound without reading the body.
func FromHTTP(r *http.Request) *Inbound {
	return &Inbound{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Header:     r.Header,
		Body:       r.Body,
		RemoteAddr: r.RemoteAddr,
	}
}

// RateLimitedError reports a denied capture and how long the sender should
// wait before retrying.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("capture: rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

// StorageError wraps a persistence failure that aborted the capture.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "capture: storage failure during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

type Options struct {
	// MaxBodyBytes caps how much of a payload is stored. Bytes past the
	// cap are drained and counted but not kept.
	MaxBodyBytes int64
	// TrustedProxies lists CIDR ranges (or bare addresses) whose
	// forwarding headers are believed.
	TrustedProxies []string
	Now            func() time.Time
}

type Service struct {
	registry  *registry.Registry
	store     store.Store
	hub       *hub.Hub
	limiter   ratelimit.Limiter
	validator *schema.Validator
	geo       geoip.Resolver
	log       *slog.Logger
	maxBody   int64
	trusted   []*net.IPNet
	now       func() time.Time
}

func New(reg *registry.Registry, st store.Store, h *hub.Hub, limiter ratelimit.Limiter, geo geoip.Resolver, log *slog.Logger, opts Options) *Service {
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	if geo == nil {
		geo = geoip.Disabled()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry:  reg,
		store:     st,
		hub:       h,
		limiter:   limiter,
		validator: schema.NewValidator(),
		geo:       geo,
		log:       log,
		maxBody:   maxBody,
		trusted:   parseTrustedProxies(opts.TrustedProxies, log),
		now:       now,
	}
}

// Capture runs one inbound request through the pipeline and returns the
// stored record. Quota is consumed as soon as admission succeeds; a capture
// that fails while reading or persisting does not hand the slot back.
func (s *Service) Capture(ctx context.Context, endpointID string, in *Inbound) (*store.Request, error) {
	ep, err := s.registry.Resolve(ctx, endpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.CapturesTotal.WithLabelValues("not_found").Inc()
			return nil, err
		}
		metrics.CapturesTotal.WithLabelValues("storage_error").Inc()
		return nil, &StorageError{Op: "resolve endpoint", Err: err}
	}
	if err := s.registry.Admit(ctx, ep); err != nil {
		metrics.CapturesTotal.WithLabelValues("gone").Inc()
		return nil, err
	}

	ip := s.clientIP(in)
	if err := s.allow(ctx, endpointID, ip); err != nil {
		return nil, err
	}

	if _, err := s.registry.TouchCount(ctx, endpointID); err != nil {
		switch {
		case errors.Is(err, registry.ErrGone):
			metrics.CapturesTotal.WithLabelValues("gone").Inc()
			return nil, err
		case errors.Is(err, registry.ErrQuotaExceeded):
			metrics.CapturesTotal.WithLabelValues("quota_exceeded").Inc()
			return nil, err
		default:
			metrics.CapturesTotal.WithLabelValues("storage_error").Inc()
			return nil, &StorageError{Op: "request count", Err: err}
		}
	}

	rec, err := s.normalize(in, ep, ip)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("bad_request").Inc()
		return nil, err
	}

	if loc := s.resolveLocation(ctx, ip); loc != "" {
		rec.Location = loc
	}
	if ep.SchemaJSON != "" {
		res := s.validator.Validate(ep.SchemaJSON, []byte(rec.Body))
		if v, err := json.Marshal(res); err == nil {
			rec.Validation = string(v)
		}
	}

	rec.CreatedAt = s.now().UTC()
	if err := s.store.SaveRequest(ctx, rec); err != nil {
		metrics.CapturesTotal.WithLabelValues("storage_error").Inc()
		return nil, &StorageError{Op: "save request", Err: err}
	}

	// Fan-out happens strictly after persistence so subscribers only ever
	// see records that exist.
	s.hub.Publish(endpointID, rec)

	metrics.CapturesTotal.WithLabelValues("captured").Inc()
	metrics.CaptureBodyBytes.Observe(float64(rec.BodySize))
	s.log.Debug("request captured",
		"endpoint_id", endpointID,
		"method", rec.Method,
		"bytes", rec.BodySize,
		"truncated", rec.BodyTruncated)
	return rec, nil
}

// allow consults the limiter once per scope. Limiter errors reaching this
// point fall open; the failover wrapper normally absorbs them first.
func (s *Service) allow(ctx context.Context, endpointID, ip string) error {
	checks := []struct{ scope, key string }{
		{"endpoint", "endpoint:" + endpointID},
		{"ip", "ip:" + ip},
	}
	for _, c := range checks {
		if c.key == "ip:" {
			continue
		}
		d, err := s.limiter.Check(ctx, c.key)
		if err != nil {
			s.log.Warn("rate limiter check failed", "scope", c.scope, "error", err)
			continue
		}
		if !d.Allowed {
			metrics.RateLimitDenials.WithLabelValues(c.scope).Inc()
			metrics.CapturesTotal.WithLabelValues("rate_limited").Inc()
			return &RateLimitedError{Scope: c.scope, RetryAfter: d.RetryAfter}
		}
	}
	return nil
}

func (s *Service) resolveLocation(ctx context.Context, ip string) string {
	loc, err := s.geo.Resolve(ctx, ip)
	if err != nil {
		s.log.Debug("geoip lookup failed", "ip", ip, "error", err)
		return ""
	}
	if loc == nil {
		return ""
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return ""
	}
	return string(b)
}
