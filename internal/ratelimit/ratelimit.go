// Package ratelimit gates capture admission with windowed counters, kept in
// process memory or in Redis when limits must hold across processes.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Decision is the outcome of a limiter check. RetryAfter is set when the
// request was denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter { return &NoopLimiter{} }

func (*NoopLimiter) Check(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (*NoopLimiter) Close() error { return nil }

// WithFailover wraps a limiter with the backend-failure policy: when the
// inner check errors, the request is admitted (fail open) or denied with
// retryAfter (fail closed). Which way to fail is explicit configuration,
// never an accident of the error path.
func WithFailover(inner Limiter, failOpen bool, retryAfter time.Duration, log *slog.Logger) Limiter {
	return &failoverLimiter{inner: inner, failOpen: failOpen, retryAfter: retryAfter, log: log}
}

type failoverLimiter struct {
	inner      Limiter
	failOpen   bool
	retryAfter time.Duration
	log        *slog.Logger
}

func (f *failoverLimiter) Check(ctx context.Context, key string) (Decision, error) {
	d, err := f.inner.Check(ctx, key)
	if err == nil {
		return d, nil
	}
	if f.failOpen {
		f.log.Warn("rate limiter backend unavailable, admitting", "key", key, "error", err)
		return Decision{Allowed: true}, nil
	}
	f.log.Warn("rate limiter backend unavailable, denying", "key", key, "error", err)
	return Decision{RetryAfter: f.retryAfter}, nil
}

func (f *failoverLimiter) Close() error { return f.inner.Close() }
