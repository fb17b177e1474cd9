package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/hooktrap/internal/logging"
	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "registry_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, logging.Nop(), opts), st
}

func TestCreateDefaults(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg, st := newTestRegistry(t, Options{
		DefaultTTL: 24 * time.Hour,
		Now:        func() time.Time { return base },
	})

	e, err := reg.Create(context.Background(), CreateParams{Name: "ci hooks", CreatorID: "browser-1"})
	require.NoError(t, err)

	_, err = uuid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, e.Status)
	assert.Equal(t, 7, e.AutoDeleteDays)
	assert.Zero(t, e.MaxRequests)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, base.Add(24*time.Hour), e.ExpiresAt.UTC())

	got, err := st.GetEndpoint(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ci hooks", got.Name)
	assert.Equal(t, "browser-1", got.CreatorID)
}

func TestCreateNoExpiry(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{})

	e, err := reg.Create(context.Background(), CreateParams{TTL: -1})
	require.NoError(t, err)
	assert.Nil(t, e.ExpiresAt)
}

func TestCreateClampsTTL(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg, _ := newTestRegistry(t, Options{
		MaxTTL: 48 * time.Hour,
		Now:    func() time.Time { return base },
	})

	e, err := reg.Create(context.Background(), CreateParams{TTL: 100 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, base.Add(48*time.Hour), e.ExpiresAt.UTC())
}

func TestCreateInvalidParams(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{})

	cases := map[string]CreateParams{
		"negative max_requests": {MaxRequests: -1},
		"max_requests too big":  {MaxRequests: 10001},
		"auto delete too big":   {AutoDeleteDays: 366},
		"auto delete negative":  {AutoDeleteDays: -3},
		"schema not json":       {SchemaJSON: "{"},
		"schema bad keyword":    {SchemaJSON: `{"type": 12}`},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Create(context.Background(), params)
			assert.ErrorIs(t, err, ErrInvalidParam)
		})
	}
}

// collideStore forces CreateEndpoint to report duplicate identifiers a set
// number of times before letting the real store take over.
type collideStore struct {
	store.Store
	failures int
	calls    int
}

func (c *collideStore) CreateEndpoint(ctx context.Context, e *store.Endpoint) error {
	c.calls++
	if c.calls <= c.failures {
		return store.ErrDuplicateID
	}
	return c.Store.CreateEndpoint(ctx, e)
}

func TestCreateRetriesOnCollision(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "registry_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cs := &collideStore{Store: st, failures: 2}
	reg := New(cs, logging.Nop(), Options{})

	e, err := reg.Create(context.Background(), CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)

	_, err = st.GetEndpoint(context.Background(), e.ID)
	assert.NoError(t, err)
}

func TestCreateGivesUpAfterCollisions(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "registry_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cs := &collideStore{Store: st, failures: 100}
	reg := New(cs, logging.Nop(), Options{})

	_, err = reg.Create(context.Background(), CreateParams{})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 5, cs.calls)
}

func TestAdmit(t *testing.T) {
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg, st := newTestRegistry(t, Options{
		DefaultTTL: time.Hour,
		Now:        func() time.Time { return current },
	})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, reg.Admit(ctx, e))

	// Past the TTL admission fails and the endpoint is flipped to expired
	// without waiting for a sweep.
	current = current.Add(2 * time.Hour)
	e, err = reg.Resolve(ctx, e.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Admit(ctx, e), ErrGone)

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)
}

func TestAdmitDeleted(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, e.ID))

	e, err = reg.Resolve(ctx, e.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Admit(ctx, e), ErrGone)
}

func TestTouchCountQuota(t *testing.T) {
	reg, st := newTestRegistry(t, Options{})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{MaxRequests: 2})
	require.NoError(t, err)

	n, err := reg.TouchCount(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reg.TouchCount(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = reg.TouchCount(ctx, e.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RequestCount)
}

func TestTouchCountExpired(t *testing.T) {
	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg, st := newTestRegistry(t, Options{
		DefaultTTL: time.Hour,
		Now:        func() time.Time { return current },
	})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{})
	require.NoError(t, err)

	current = current.Add(90 * time.Minute)
	_, err = reg.TouchCount(ctx, e.ID)
	assert.ErrorIs(t, err, ErrGone)

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
}

func TestTouchCountUnknownEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{})

	_, err := reg.TouchCount(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteKeepsRecordsForReaper(t *testing.T) {
	reg, st := newTestRegistry(t, Options{})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, st.SaveRequest(ctx, &store.Request{
		EndpointID: e.ID,
		Method:     "POST",
		Path:       "/h/" + e.ID,
		Body:       `{"a":1}`,
	}))

	require.NoError(t, reg.Delete(ctx, e.ID))

	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, got.Status)

	// Records stay behind until the reaper purges the endpoint.
	n, err := st.CountRequests(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetSchema(t *testing.T) {
	reg, st := newTestRegistry(t, Options{})
	ctx := context.Background()

	e, err := reg.Create(ctx, CreateParams{})
	require.NoError(t, err)

	err = reg.SetSchema(ctx, e.ID, "{")
	assert.ErrorIs(t, err, ErrInvalidParam)
	err = reg.SetSchema(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrInvalidParam)

	valid := `{"type": "object", "required": ["id"]}`
	require.NoError(t, reg.SetSchema(ctx, e.ID, valid))
	got, err := st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, valid, got.SchemaJSON)

	require.NoError(t, reg.ClearSchema(ctx, e.ID))
	got, err = st.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SchemaJSON)
}
