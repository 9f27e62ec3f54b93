package amqp

import (
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

const defaultDedupSize = 4096

type MessageHandler struct {
	ingest  service.Ingester
	logger  *slog.Logger
	metrics *metrics.Metrics
	// seen holds ids of deliveries already broadcast, so a redelivery after a lost ack
	// does not reach subscribers twice.
	seen *lru.Cache[string, struct{}]
}

func NewMessageHandler(ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics, dedupSize int) (*MessageHandler, error) {
	if dedupSize <= 0 {
		dedupSize = defaultDedupSize
	}
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}
	return &MessageHandler{ingest: ingest, logger: logger, metrics: m, seen: seen}, nil
}

// [INFRASTRUCTURE_BRIDGE]
// Handle turns a delivery into an ingest call. Returning nil acks; an error nacks and lets
// the retry middleware take over.
func (h *MessageHandler) Handle(msg *message.Message) error {
	if _, dup := h.seen.Get(msg.UUID); dup {
		h.logger.Debug("DUPLICATE_DELIVERY", "msg_id", msg.UUID)
		h.metrics.ObserveSource(dto.SourceAMQP, "duplicate")
		return nil
	}

	err := h.ingest.Ingest(msg.Context(), dto.InboundMessage{
		Source:     dto.SourceAMQP,
		RoutingKey: msg.Metadata.Get(pubsub.MetadataRoutingKey),
		Payload:    msg.Payload,
		TraceID:    msg.Metadata.Get(MetadataTraceID),
	})

	switch {
	case err == nil:
		h.seen.Add(msg.UUID, struct{}{})
		h.metrics.ObserveSource(dto.SourceAMQP, "ok")
		return nil
	case errors.Is(err, event.ErrInvalidEvent), errors.Is(err, registry.ErrUnknownChannel):
		// ACK: poison pill, retrying cannot fix the payload or the routing
		h.metrics.ObserveSource(dto.SourceAMQP, "rejected")
		return nil
	default:
		h.metrics.ObserveSource(dto.SourceAMQP, "retry")
		return err
	}
}
