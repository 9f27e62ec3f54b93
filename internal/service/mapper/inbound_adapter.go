package mapper

import (
	"fmt"

	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

// ToEvent maps an inbound producer message onto a domain event.
func ToEvent(msg dto.InboundMessage) (*event.Event, error) {
	ev, err := event.Parse(msg.Payload, msg.RoutingKey)
	if err != nil {
		return nil, fmt.Errorf("%s message %s: %w", msg.Source, msg.TraceID, err)
	}
	return ev, nil
}

// ToEventOn maps a message whose channel is fixed by the transport, such as an HTTP
// POST to /<channel>. The URL wins over any "path" in the body.
func ToEventOn(channel string, msg dto.InboundMessage) (*event.Event, error) {
	msg.RoutingKey = channel
	ev, err := ToEvent(msg)
	if err != nil {
		return nil, err
	}
	return ev.WithPath(channel), nil
}
