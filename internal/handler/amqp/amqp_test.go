package amqp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
	"github.com/webitel/event-stream-service/internal/cache"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

type memFactory struct{}

func (memFactory) Open(_ string, _ string, length int) (cache.EventCache, error) {
	return cache.NewMemory(length), nil
}

var discard = slog.New(slog.DiscardHandler)

func newHub(t *testing.T) *registry.Hub {
	h := registry.NewHub(memFactory{}, discard,
		registry.WithShards(1),
		registry.WithPingInterval(0),
		registry.WithUndefinedChannels(true),
	)
	t.Cleanup(h.Shutdown)
	return h
}

func delivery(id, routingKey, payload string) *message.Message {
	msg := message.NewMessage(id, []byte(payload))
	msg.Metadata.Set(pubsub.MetadataRoutingKey, routingKey)
	return msg
}

func cached(t *testing.T, h *registry.Hub, channel string) [][]byte {
	t.Helper()
	ch, ok := h.Lookup(channel)
	if !ok {
		return nil
	}
	frames, err := ch.Replay(context.Background(), "")
	require.NoError(t, err)
	return frames
}

type stubIngester struct {
	err   error
	calls int
}

func (s *stubIngester) Ingest(context.Context, dto.InboundMessage) error {
	s.calls++
	return s.err
}

func (s *stubIngester) Publish(context.Context, string, *event.Event) error { return s.err }

func TestHandleBroadcastsByRoutingKey(t *testing.T) {
	h := newHub(t)
	mh, err := NewMessageHandler(service.NewIngestService(h), discard, nil, 16)
	require.NoError(t, err)

	require.NoError(t, mh.Handle(delivery("m1", "news", `{"id":"1","data":"x"}`)))
	assert.Equal(t, [][]byte{[]byte("id: 1\ndata: x\n\n")}, cached(t, h, "news"))
}

func TestHandleSuppressesRedelivery(t *testing.T) {
	h := newHub(t)
	m := metrics.New()
	mh, err := NewMessageHandler(service.NewIngestService(h), discard, m, 16)
	require.NoError(t, err)

	require.NoError(t, mh.Handle(delivery("m1", "news", `{"id":"1","data":"x"}`)))
	require.NoError(t, mh.Handle(delivery("m1", "news", `{"id":"1","data":"x"}`)))
	require.NoError(t, mh.Handle(delivery("m2", "news", `{"id":"2","data":"y"}`)))

	ch, _ := h.Lookup("news")
	assert.Equal(t, uint64(2), ch.Stats(context.Background()).BroadcastedEvents)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourceAMQP, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourceAMQP, "duplicate")))
}

func TestHandleAcksPoisonPills(t *testing.T) {
	h := registry.NewHub(memFactory{}, discard, registry.WithPingInterval(0))
	t.Cleanup(h.Shutdown)
	m := metrics.New()
	mh, err := NewMessageHandler(service.NewIngestService(h), discard, m, 16)
	require.NoError(t, err)

	assert.NoError(t, mh.Handle(delivery("m1", "news", `not json`)))
	assert.NoError(t, mh.Handle(delivery("m2", "undeclared", `{"data":"x"}`)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourceAMQP, "rejected")))
}

func TestHandleNacksTransientFailure(t *testing.T) {
	stub := &stubIngester{err: errors.New("boom")}
	m := metrics.New()
	mh, err := NewMessageHandler(stub, discard, m, 16)
	require.NoError(t, err)

	assert.Error(t, mh.Handle(delivery("m1", "news", `{"data":"x"}`)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourceAMQP, "retry")))

	// a failed delivery is not remembered, the retry must reach the ingester again
	stub.err = nil
	assert.NoError(t, mh.Handle(delivery("m1", "news", `{"data":"x"}`)))
	assert.Equal(t, 2, stub.calls)
}

func TestTraceIDMiddleware(t *testing.T) {
	var seen string
	h := TraceIDMiddleware(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata.Get(MetadataTraceID)
		return nil, nil
	})

	_, _ = h(message.NewMessage("a", nil))
	assert.NotEmpty(t, seen)

	msg := message.NewMessage("b", nil)
	msg.Metadata.Set(MetadataTraceID, "given")
	msg.Metadata.Set(pubsub.MetadataCorrelationID, "corr")
	_, _ = h(msg)
	assert.Equal(t, "given", seen)

	msg = message.NewMessage("c", nil)
	msg.Metadata.Set(pubsub.MetadataCorrelationID, "corr")
	_, _ = h(msg)
	assert.Equal(t, "corr", seen)
}

func TestLoggingMiddlewareLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fail := errors.New("boom")

	ok := LoggingMiddleware(logger)(func(*message.Message) ([]*message.Message, error) { return nil, nil })
	_, err := ok(delivery("m1", "news", `{"data":"x"}`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"MESSAGE_ACKED"`)
	assert.Contains(t, buf.String(), `"routing_key":"news"`)

	buf.Reset()
	bad := LoggingMiddleware(logger)(func(*message.Message) ([]*message.Message, error) { return nil, fail })
	_, err = bad(delivery("m2", "news", `{"data":"x"}`))
	require.ErrorIs(t, err, fail)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"msg":"MESSAGE_NACKED"`)
	assert.Contains(t, buf.String(), `"err":"boom"`)
}

func TestRouterPipeline(t *testing.T) {
	h := newHub(t)
	mh, err := NewMessageHandler(service.NewIngestService(h), discard, nil, 16)
	require.NoError(t, err)
	src := NewSource(nil, mh, discard, watermill.NopLogger{})

	router, err := src.NewRouter()
	require.NoError(t, err)

	pubSub := newChanPubSub()
	router.AddConsumerHandler(HandlerName, "events", pubSub, mh.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	msg := delivery("m1", "news", `{"id":"7","data":"via router"}`)
	pubSub.deliver(msg)

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.Fatal("message nacked")
	case <-time.After(3 * time.Second):
		t.Fatal("message not handled")
	}
	assert.Equal(t, [][]byte{[]byte("id: 7\ndata: via router\n\n")}, cached(t, h, "news"))
}

// chanPubSub is a minimal in-process subscriber feeding the router.
type chanPubSub struct {
	out  chan *message.Message
	once sync.Once
}

func newChanPubSub() *chanPubSub { return &chanPubSub{out: make(chan *message.Message, 1)} }

func (c *chanPubSub) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return c.out, nil
}

func (c *chanPubSub) Close() error {
	c.once.Do(func() { close(c.out) })
	return nil
}

func (c *chanPubSub) deliver(msg *message.Message) { c.out <- msg }

// TestSourceAgainstBroker runs the full consume path when a broker is available.
func TestSourceAgainstBroker(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}
	h := newHub(t)
	mh, err := NewMessageHandler(service.NewIngestService(h), discard, nil, 16)
	require.NoError(t, err)

	subs := pubsub.NewSubscriberProvider(pubsub.SourceConfig{
		URL:          url,
		Exchange:     "amq.topic",
		ExchangeType: "topic",
		RoutingKey:   "#",
	}, watermill.NopLogger{})
	src := NewSource(subs, mh, discard, watermill.NopLogger{})
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() { _ = src.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		r := src.Running()
		if r == nil {
			return false
		}
		select {
		case <-r:
			return true
		default:
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	pub, err := subs.BuildPublisher()
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("broker-test", message.NewMessage(watermill.NewUUID(), []byte(`{"data":"from broker"}`))))

	require.Eventually(t, func() bool {
		ch, ok := h.Lookup("broker-test")
		return ok && ch.Stats(context.Background()).BroadcastedEvents == 1
	}, 5*time.Second, 50*time.Millisecond)
}
