// Package registry owns the endpoint lifecycle: creation with collision-free
// identifiers, admission policy, the atomic request-count increment and
// deletion. Everything durable goes through the store; the registry adds the
// rules.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/hooktrap/internal/metrics"
	"github.com/PipeOpsHQ/hooktrap/internal/schema"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

const (
	maxRequestsCap        = 10000
	minAutoDeleteDays     = 1
	maxAutoDeleteDays     = 365
	defaultAutoDeleteDays = 7
	createAttempts        = 5
)

var (
	// ErrGone marks an endpoint that exists but no longer accepts captures.
	ErrGone = errors.New("registry: endpoint expired")
	// ErrQuotaExceeded marks an endpoint whose request quota is used up.
	ErrQuotaExceeded = errors.New("registry: request quota exceeded")
	// ErrConflict is returned when identifier generation keeps colliding
	// with persisted endpoints. With random UUIDs that points at a broken
	// installation, not at the caller.
	ErrConflict = errors.New("registry: could not allocate a unique endpoint id")
	// ErrInvalidParam rejects bad input on create and schema updates.
	ErrInvalidParam = errors.New("registry: invalid parameter")
)

type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Now        func() time.Time
}

type Registry struct {
	store      store.Store
	log        *slog.Logger
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

func New(s store.Store, log *slog.Logger, opts Options) *Registry {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:      s,
		log:        log,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		now:        opts.Now,
	}
}

// CreateParams describes a new endpoint. A zero TTL picks the configured
// default, a negative TTL creates an endpoint without time expiry. A zero
// MaxRequests means unlimited.
type CreateParams struct {
	Name           string
	Description    string
	CreatorID      string
	TTL            time.Duration
	MaxRequests    int
	SchemaJSON     string
	AutoDeleteDays int
}

func (r *Registry) Create(ctx context.Context, p CreateParams) (*store.Endpoint, error) {
	if p.MaxRequests < 0 || p.MaxRequests > maxRequestsCap {
		return nil, fmt.Errorf("%w: max_requests must be between 0 and %d", ErrInvalidParam, maxRequestsCap)
	}
	if p.AutoDeleteDays == 0 {
		p.AutoDeleteDays = defaultAutoDeleteDays
	}
	if p.AutoDeleteDays < minAutoDeleteDays || p.AutoDeleteDays > maxAutoDeleteDays {
		return nil, fmt.Errorf("%w: auto_delete_after_days must be between %d and %d", ErrInvalidParam, minAutoDeleteDays, maxAutoDeleteDays)
	}
	if p.SchemaJSON != "" {
		if err := schema.Compile(p.SchemaJSON); err != nil {
			return nil, fmt.Errorf("%w: schema: %v", ErrInvalidParam, err)
		}
	}

	now := r.now().UTC()
	e := &store.Endpoint{
		Name:           p.Name,
		Description:    p.Description,
		CreatorID:      p.CreatorID,
		Status:         store.StatusActive,
		MaxRequests:    p.MaxRequests,
		SchemaJSON:     p.SchemaJSON,
		AutoDeleteDays: p.AutoDeleteDays,
		CreatedAt:      now,
	}
	if ttl := r.clampTTL(p.TTL); ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	for attempt := 1; attempt <= createAttempts; attempt++ {
		e.ID = uuid.New().String()
		err := r.store.CreateEndpoint(ctx, e)
		if err == nil {
			metrics.EndpointsCreated.Inc()
			r.log.Info("endpoint created",
				"endpoint_id", e.ID,
				"max_requests", e.MaxRequests,
				"creator_id", e.CreatorID)
			return e, nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return nil, err
		}
		r.log.Warn("endpoint id collision, regenerating", "attempt", attempt)
	}
	return nil, ErrConflict
}

func (r *Registry) clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	if ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	return ttl
}

// Resolve fetches an endpoint without judging its admission policy, so a
// missing endpoint stays distinguishable from an expired one.
func (r *Registry) Resolve(ctx context.Context, id string) (*store.Endpoint, error) {
	return r.store.GetEndpoint(ctx, id)
}

// Admit decides whether the endpoint currently accepts captures. An
// endpoint whose TTL has passed is marked expired on the spot instead of
// waiting for the next reaper sweep.
func (r *Registry) Admit(ctx context.Context, e *store.Endpoint) error {
	if e.Status != store.StatusActive {
		return ErrGone
	}
	now := r.now()
	if e.Expired(now) {
		if err := r.store.MarkEndpointExpired(ctx, e.ID, now); err != nil {
			r.log.Warn("marking expired endpoint failed", "endpoint_id", e.ID, "error", err)
		}
		return ErrGone
	}
	return nil
}

// TouchCount moves the request count forward through the store's
// conditional update. When the update matches no row the endpoint is
// re-read to report the precise reason.
func (r *Registry) TouchCount(ctx context.Context, id string) (int, error) {
	now := r.now()
	count, ok, err := r.store.IncrementRequestCount(ctx, id, now)
	if err != nil {
		return 0, err
	}
	if ok {
		return count, nil
	}

	e, err := r.store.GetEndpoint(ctx, id)
	if err != nil {
		return 0, err
	}
	if e.Status != store.StatusActive || e.Expired(now) {
		if e.Status == store.StatusActive {
			if err := r.store.MarkEndpointExpired(ctx, e.ID, now); err != nil {
				r.log.Warn("marking expired endpoint failed", "endpoint_id", e.ID, "error", err)
			}
		}
		return 0, ErrGone
	}
	// The only condition left that can fail the update is the quota cap.
	return 0, ErrQuotaExceeded
}

// Delete marks the endpoint deleted. Its records disappear with the
// reaper's next pass, so endpoints with large capture histories do not
// block the caller.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.MarkEndpointDeleted(ctx, id)
}

func (r *Registry) List(ctx context.Context, creatorID string, limit int) ([]*store.Endpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListEndpoints(ctx, creatorID, limit)
}

// SetSchema attaches a JSON Schema to the endpoint after checking that it
// compiles. Captures validated against it record the result; they are never
// rejected for failing it.
func (r *Registry) SetSchema(ctx context.Context, id, schemaJSON string) error {
	if schemaJSON == "" {
		return fmt.Errorf("%w: schema must not be empty", ErrInvalidParam)
	}
	if err := schema.Compile(schemaJSON); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalidParam, err)
	}
	return r.store.UpdateEndpointSchema(ctx, id, schemaJSON)
}

func (r *Registry) ClearSchema(ctx context.Context, id string) error {
	return r.store.UpdateEndpointSchema(ctx, id, "")
}
