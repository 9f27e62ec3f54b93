package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/event-stream-service/internal/domain/event"
)

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithPingInterval(0), WithShards(2), WithMailboxSize(16)}, opts...)
	h := NewHub(memFactory{}, testLogger(), opts...)
	t.Cleanup(h.Shutdown)
	return h
}

func TestHubResolveUnknown(t *testing.T) {
	h := newTestHub(t)
	_, err := h.Resolve("/nope")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	err = h.PublishRaw(context.Background(), "nope", []byte(`{"data":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestHubDeclareNormalizes(t *testing.T) {
	h := newTestHub(t)
	ch, err := h.Declare("/news/", ChannelSettings{HistoryLength: 5})
	require.NoError(t, err)
	assert.Equal(t, "news", ch.Name())

	again, err := h.Declare("news", ChannelSettings{HistoryLength: 99})
	require.NoError(t, err)
	assert.Same(t, ch, again)

	got, ok := h.Lookup("news/")
	require.True(t, ok)
	assert.Same(t, ch, got)
}

func TestHubAutoCreate(t *testing.T) {
	h := newTestHub(t,
		WithUndefinedChannels(true),
		WithDefaults(ChannelSettings{HistoryLength: 2}),
	)

	// path missing from the payload: the routing key addresses the channel
	require.NoError(t, h.PublishRaw(context.Background(), "/alerts", []byte(`{"id":"1","data":"x"}`)))
	ch, ok := h.Lookup("alerts")
	require.True(t, ok)
	assert.Equal(t, 2, ch.Settings().HistoryLength)

	// an explicit path wins over the routing key
	require.NoError(t, h.PublishRaw(context.Background(), "alerts", []byte(`{"id":"2","data":"y","path":"/other"}`)))
	_, ok = h.Lookup("other")
	assert.True(t, ok)

	frames, err := ch.Replay(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestHubConcurrentCreateIsSingle(t *testing.T) {
	h := newTestHub(t, WithUndefinedChannels(true))

	var wg sync.WaitGroup
	got := make([]*Channel, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := h.Resolve("race")
			if err == nil {
				got[i] = ch
			}
		}()
	}
	wg.Wait()

	for _, ch := range got {
		assert.Same(t, got[0], ch)
	}
	assert.Len(t, h.Channels(), 1)
}

func TestHubRejectsInvalidEvents(t *testing.T) {
	h := newTestHub(t, WithUndefinedChannels(true))
	assert.ErrorIs(t, h.PublishRaw(context.Background(), "a", []byte(`{"id":"1"}`)), event.ErrInvalidEvent)
	assert.ErrorIs(t, h.PublishRaw(context.Background(), "", []byte(`{"data":"x"}`)), event.ErrInvalidEvent)
	assert.ErrorIs(t, h.PublishRaw(context.Background(), "a", []byte(`not json`)), event.ErrInvalidEvent)
}

func TestHubStats(t *testing.T) {
	h := newTestHub(t, WithUndefinedChannels(true))
	require.NoError(t, h.PublishRaw(context.Background(), "b", []byte(`{"id":"1","data":"x"}`)))
	require.NoError(t, h.PublishRaw(context.Background(), "a", []byte(`{"data":"x"}`)))

	st := h.Stats(context.Background())
	assert.Equal(t, 2, st.Global.Channels)
	assert.Equal(t, uint64(2), st.Global.BroadcastedEvents)
	require.Len(t, st.Channels, 2)
	assert.Equal(t, "a", st.Channels[0].ID)
	assert.Equal(t, 1, st.Channels[1].CachedEvents)
	assert.Len(t, st.Channels[0].Shards, 2)
}

func TestHubShutdownRefusesNewChannels(t *testing.T) {
	h := NewHub(memFactory{}, testLogger(), WithPingInterval(0), WithUndefinedChannels(true))
	_, err := h.Resolve("a")
	require.NoError(t, err)

	h.Shutdown()
	_, err = h.Resolve("b")
	assert.ErrorIs(t, err, ErrHubClosed)
}
