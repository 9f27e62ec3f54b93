package amqp

import (
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
)

const MetadataTraceID = "trace_id"

// [TRACE_ID_MIDDLEWARE]
// Precedence: an explicit trace_id header, then the AMQP correlation id, then a fresh uuid.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(MetadataTraceID) == "" {
			id := msg.Metadata.Get(pubsub.MetadataCorrelationID)
			if id == "" {
				id = uuid.NewString()
			}
			msg.Metadata.Set(MetadataTraceID, id)
		}
		return h(msg)
	}
}

// [LOGGING_MIDDLEWARE]
// Successful deliveries log at debug; a nack logs at warn with the cause.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			attrs := []any{
				"msg_id", msg.UUID,
				"trace_id", msg.Metadata.Get(MetadataTraceID),
				"routing_key", msg.Metadata.Get(pubsub.MetadataRoutingKey),
				"bytes", len(msg.Payload),
				"redelivered", msg.Metadata.Get(pubsub.MetadataRedelivered) == "true",
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("MESSAGE_NACKED", append(attrs, "err", err)...)
				return msgs, err
			}
			logger.Debug("MESSAGE_ACKED", attrs...)
			return msgs, nil
		}
	}
}

// [RETRY_MIDDLEWARE]
// Broadcasts are local; a short schedule is enough before the nack hands the delivery back.
func NewRetryMiddleware(logger watermill.LoggerAdapter) middleware.Retry {
	return middleware.Retry{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Logger:          logger,
	}
}
