package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	// MetadataRoutingKey carries the delivery's routing key into the watermill message.
	MetadataRoutingKey = "routing_key"
	// MetadataRedelivered is "true" when the broker flagged the delivery as redelivered.
	MetadataRedelivered = "redelivered"
	// MetadataCorrelationID mirrors the AMQP correlation-id property when the producer set one.
	MetadataCorrelationID = "correlation_id"

	uuidHeader = "_watermill_message_uuid"
)

// Marshaler decodes deliveries from arbitrary producers, not only watermill ones: any header
// type is accepted and the message id falls back to the AMQP message-id property.
type Marshaler struct {
	amqp.DefaultMarshaler
}

func (m Marshaler) Unmarshal(d amqp091.Delivery) (*message.Message, error) {
	id := headerString(d.Headers[uuidHeader])
	if id == "" {
		id = d.MessageId
	}
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, d.Body)
	for k, v := range d.Headers {
		if k == uuidHeader {
			continue
		}
		msg.Metadata.Set(k, headerString(v))
	}
	msg.Metadata.Set(MetadataRoutingKey, d.RoutingKey)
	if d.Redelivered {
		msg.Metadata.Set(MetadataRedelivered, "true")
	}
	if d.CorrelationId != "" {
		msg.Metadata.Set(MetadataCorrelationID, d.CorrelationId)
	}
	return msg, nil
}

func headerString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
