package store

import (
	"context"
	"errors"
	"time"
)

// Endpoint lifecycle states.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusDeleted = "deleted"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrDuplicateID = errors.New("store: duplicate id")
)

type Endpoint struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	CreatorID      string     `json:"creator_id,omitempty"` // Browser fingerprint ID
	Status         string     `json:"status"`
	MaxRequests    int        `json:"max_requests"`
	RequestCount   int        `json:"request_count"`
	SchemaJSON     string     `json:"schema,omitempty"`
	AutoDeleteDays int        `json:"auto_delete_after_days"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
}

// Expired reports whether the endpoint's TTL has elapsed at now. Endpoints
// without a TTL never expire by time.
func (e *Endpoint) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// QuotaExhausted reports whether the request quota is used up. A zero
// MaxRequests means unlimited.
func (e *Endpoint) QuotaExhausted() bool {
	return e.MaxRequests > 0 && e.RequestCount >= e.MaxRequests
}

func (e *Endpoint) AcceptsCaptures(now time.Time) bool {
	return e.Status == StatusActive && !e.Expired(now) && !e.QuotaExhausted()
}

// RequestsRemaining returns how many captures are left before the quota is
// reached, or -1 when the endpoint is unlimited.
func (e *Endpoint) RequestsRemaining() int {
	if e.MaxRequests <= 0 {
		return -1
	}
	left := e.MaxRequests - e.RequestCount
	if left < 0 {
		left = 0
	}
	return left
}

type Request struct {
	ID            int64     `json:"id"`
	EndpointID    string    `json:"endpoint_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Query         string    `json:"query,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	Headers       string    `json:"headers"` // JSON object, header name -> values
	Body          string    `json:"body"`
	BodySize      int64     `json:"body_size"`
	BodyTruncated bool      `json:"body_truncated,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Referer       string    `json:"referer,omitempty"`
	Location      string    `json:"location,omitempty"`   // JSON, resolved geolocation
	Validation    string    `json:"validation,omitempty"` // JSON, schema validation result
	CreatedAt     time.Time `json:"created_at"`
}

type EndpointStats struct {
	EndpointID     string     `json:"endpoint_id"`
	TotalRequests  int64      `json:"total_requests"`
	TotalBytes     int64      `json:"total_bytes"`
	GetCount       int64      `json:"get_count"`
	PostCount      int64      `json:"post_count"`
	PutCount       int64      `json:"put_count"`
	PatchCount     int64      `json:"patch_count"`
	DeleteCount    int64      `json:"delete_count"`
	OtherCount     int64      `json:"other_count"`
	JSONCount      int64      `json:"json_count"`
	FormCount      int64      `json:"form_count"`
	XMLCount       int64      `json:"xml_count"`
	TextCount      int64      `json:"text_count"`
	OtherTypeCount int64      `json:"other_type_count"`
	LastRequestAt  *time.Time `json:"last_request_at,omitempty"`
}

type Store interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, creatorID string, limit int) ([]*Endpoint, error)
	MarkEndpointDeleted(ctx context.Context, id string) error
	MarkEndpointExpired(ctx context.Context, id string, now time.Time) error
	UpdateEndpointSchema(ctx context.Context, id string, schemaJSON string) error

	// IncrementRequestCount adds one to the endpoint's request count in a
	// single conditional update, only while the endpoint still accepts
	// captures. It returns the new count and true when the increment was
	// applied, or false when no row matched the conditions; the caller
	// re-reads the endpoint to find out why.
	IncrementRequestCount(ctx context.Context, id string, now time.Time) (int, bool, error)

	SaveRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id int64) (*Request, error)
	GetRequests(ctx context.Context, endpointID string, limit int) ([]*Request, error)
	GetRequestsWithOffset(ctx context.Context, endpointID string, limit, offset int) ([]*Request, error)
	CountRequests(ctx context.Context, endpointID string) (int, error)
	DeleteRequest(ctx context.Context, id int64) error
	GetStats(ctx context.Context, endpointID string) (*EndpointStats, error)

	MarkExpiredEndpoints(ctx context.Context, now time.Time) (int64, error)
	ListPurgeableEndpoints(ctx context.Context, now time.Time, limit int) ([]string, error)
	PurgeEndpoint(ctx context.Context, id string) error
	DeleteRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
