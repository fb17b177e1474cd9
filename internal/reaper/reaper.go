// Package reaper owns background deletion: endpoints past their TTL or
// quota get flipped to expired, expired and deleted endpoints get purged
// together with their captured requests once their grace window has passed,
// and an optional global retention trims old records.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PipeOpsHQ/hooktrap/internal/metrics"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

type Options struct {
	// Interval is the sweep cadence.
	Interval time.Duration
	// RecordTTL deletes captured requests older than this regardless of
	// endpoint state. Zero disables the retention pass.
	RecordTTL time.Duration
	// BatchSize caps how many endpoints one sweep purges.
	BatchSize int
	Now       func() time.Time
}

type Reaper struct {
	store     store.Store
	log       *slog.Logger
	interval  time.Duration
	recordTTL time.Duration
	batch     int
	now       func() time.Time
}

func New(st store.Store, log *slog.Logger, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		store:     st,
		log:       log,
		interval:  opts.Interval,
		recordTTL: opts.RecordTTL,
		batch:     opts.BatchSize,
		now:       opts.Now,
	}
}

// Run sweeps on a fixed interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", "error", err)
			}
		}
	}
}

type SweepResult struct {
	Expired        int64
	Purged         int
	RecordsDeleted int64
}

// Sweep runs one pass. Sweeping is idempotent: a second pass over the same
// state finds nothing left to do. Each endpoint's requests and stats go in
// the same transaction as the endpoint row, so a crash mid-sweep leaves no
// half-deleted endpoint behind.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now().UTC()

	marked, err := r.store.MarkExpiredEndpoints(ctx, now)
	if err != nil {
		return res, fmt.Errorf("mark expired: %w", err)
	}
	res.Expired = marked
	if marked > 0 {
		metrics.ReaperExpiredEndpoints.Add(float64(marked))
	}

	ids, err := r.store.ListPurgeableEndpoints(ctx, now, r.batch)
	if err != nil {
		return res, fmt.Errorf("list purgeable: %w", err)
	}
	for _, id := range ids {
		if err := r.store.PurgeEndpoint(ctx, id); err != nil {
			r.log.Warn("purging endpoint failed", "endpoint_id", id, "error", err)
			continue
		}
		res.Purged++
	}
	if res.Purged > 0 {
		metrics.ReaperPurgedEndpoints.Add(float64(res.Purged))
	}

	if r.recordTTL > 0 {
		n, err := r.store.DeleteRequestsBefore(ctx, now.Add(-r.recordTTL))
		if err != nil {
			return res, fmt.Errorf("record retention: %w", err)
		}
		res.RecordsDeleted = n
		if n > 0 {
			metrics.ReaperDeletedRequests.Add(float64(n))
		}
	}

	if res.Expired > 0 || res.Purged > 0 || res.RecordsDeleted > 0 {
		r.log.Info("sweep finished",
			"expired", res.Expired,
			"purged", res.Purged,
			"records_deleted", res.RecordsDeleted)
	}
	return res, nil
}
