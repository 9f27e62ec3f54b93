package service

import (
	"context"

	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/service/mapper"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

// [INGEST_SERVICE] THE CALL TARGET OF EVERY EVENT SOURCE (AMQP, Postgres, HTTP POST)
type Ingester interface {
	// Ingest parses a raw message and broadcasts it to its channel.
	Ingest(ctx context.Context, msg dto.InboundMessage) error
	// Publish broadcasts an already built event.
	Publish(ctx context.Context, source string, ev *event.Event) error
}

type IngestService struct {
	hub registry.Hubber
}

func NewIngestService(hub registry.Hubber) *IngestService {
	return &IngestService{hub: hub}
}

func (s *IngestService) Ingest(ctx context.Context, msg dto.InboundMessage) error {
	ev, err := mapper.ToEvent(msg)
	if err != nil {
		return err
	}
	return s.hub.Broadcast(ctx, ev)
}

func (s *IngestService) Publish(ctx context.Context, _ string, ev *event.Event) error {
	return s.hub.Broadcast(ctx, ev)
}
