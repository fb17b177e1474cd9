package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

func recv(t *testing.T, ch <-chan *store.Request) *store.Request {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishOrder(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("ep")
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		h.Publish("ep", &store.Request{ID: i})
	}

	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, i, recv(t, sub.C()).ID)
	}
}

func TestMultipleSubscribersEachReceiveOnce(t *testing.T) {
	h := New(8)
	a := h.Subscribe("ep")
	defer a.Close()
	b := h.Subscribe("ep")
	defer b.Close()

	h.Publish("ep", &store.Request{ID: 7})

	assert.Equal(t, int64(7), recv(t, a.C()).ID)
	assert.Equal(t, int64(7), recv(t, b.C()).ID)
	assert.Empty(t, a.C())
	assert.Empty(t, b.C())
}

func TestPublishScopedToEndpoint(t *testing.T) {
	h := New(8)
	other := h.Subscribe("other")
	defer other.Close()

	h.Publish("ep", &store.Request{ID: 1})

	select {
	case r := <-other.C():
		t.Fatalf("subscriber of another endpoint received %v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(2)
	stalled := h.Subscribe("ep")
	defer stalled.Close()
	healthy := h.Subscribe("ep")
	defer healthy.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 5; i++ {
			h.Publish("ep", &store.Request{ID: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	for i := int64(1); i <= 5; i++ {
		assert.Equal(t, i, recv(t, healthy.C()).ID)
	}

	// The stalled subscriber kept the freshest events its buffer could hold.
	assert.Equal(t, int64(4), recv(t, stalled.C()).ID)
	assert.Equal(t, int64(5), recv(t, stalled.C()).ID)
}

func TestCloseUnsubscribes(t *testing.T) {
	h := New(8)
	sub := h.Subscribe("ep")
	require.Equal(t, 1, h.SubscriberCount("ep"))

	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount("ep"))

	_, open := <-sub.C()
	assert.False(t, open, "channel must be closed")

	sub.Close() // repeat close is a no-op

	assert.NotPanics(t, func() {
		h.Publish("ep", &store.Request{ID: 1})
	})
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	h := New(8)
	h.Publish("ep", &store.Request{ID: 1})

	sub := h.Subscribe("ep")
	defer sub.Close()

	select {
	case r := <-sub.C():
		t.Fatalf("late subscriber replayed %v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseEndpointDisconnectsAll(t *testing.T) {
	h := New(4)
	a := h.Subscribe("ep")
	b := h.Subscribe("ep")
	other := h.Subscribe("other")
	defer other.Close()

	h.CloseEndpoint("ep")

	_, open := <-a.C()
	assert.False(t, open)
	_, open = <-b.C()
	assert.False(t, open)
	assert.Zero(t, h.SubscriberCount("ep"))
	assert.Equal(t, 1, h.SubscriberCount("other"))

	// Subscriber-side Close after the hub already cut it off is a no-op.
	assert.NotPanics(t, func() { a.Close() })
	assert.NotPanics(t, func() { h.Publish("ep", &store.Request{ID: 1}) })
}
