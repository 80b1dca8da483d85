package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.UnixMilli(42) }

func TestPublishFansOutInOrder(t *testing.T) {
	h := NewHub(fixedClock)
	var got []string
	h.Subscribe(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	h.Subscribe(func(e Event) { got = append(got, "b:"+string(e.Type)) })

	h.Publish(Event{Type: PendingChanged, Payload: PendingPayload{PendingCount: 2}})
	assert.Equal(t, []string{"a:queue.pending", "b:queue.pending"}, got)
}

func TestPublishStampsTime(t *testing.T) {
	h := NewHub(fixedClock)
	var at time.Time
	h.Subscribe(func(e Event) { at = e.At })
	h.Publish(Event{Type: CacheCleared})
	assert.Equal(t, int64(42), at.UnixMilli())

	explicit := time.UnixMilli(7)
	h.Publish(Event{Type: CacheCleared, At: explicit})
	assert.True(t, at.Equal(explicit))
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	h := NewHub(nil)
	delivered := 0
	h.Subscribe(func(Event) { delivered++ })
	h.Subscribe(func(Event) { panic("bad subscriber") })
	h.Subscribe(func(Event) { delivered++ })

	require.NotPanics(t, func() { h.Publish(Event{Type: SyncStateChanged}) })
	assert.Equal(t, 2, delivered)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	calls := 0
	unsub := h.Subscribe(func(Event) { calls++ })
	other := h.Subscribe(func(Event) {})
	assert.Equal(t, 2, h.Len())

	unsub()
	unsub()
	assert.Equal(t, 1, h.Len())
	h.Publish(Event{Type: CacheUpdated})
	assert.Equal(t, 0, calls)

	other()
	assert.Equal(t, 0, h.Len())
}

func TestSubscribeDuringPublishUsesSnapshot(t *testing.T) {
	h := NewHub(nil)
	lateCalls := 0
	var unsubSecond func()
	h.Subscribe(func(Event) {
		// mutations during a pass do not affect the pass
		h.Subscribe(func(Event) { lateCalls++ })
		unsubSecond()
	})
	secondCalls := 0
	unsubSecond = h.Subscribe(func(Event) { secondCalls++ })

	h.Publish(Event{Type: CacheUpdated})
	assert.Equal(t, 0, lateCalls, "listener added mid-pass is not called in that pass")
	assert.Equal(t, 1, secondCalls, "listener removed mid-pass still receives that pass")

	h.Publish(Event{Type: CacheUpdated})
	assert.Equal(t, 1, lateCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestConcurrentSubscribePublish(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := h.Subscribe(func(Event) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			h.Publish(Event{Type: PendingChanged})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(Event{Type: CacheCleared}) })
}
