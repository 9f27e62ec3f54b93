package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

const queuePrefix = "event-stream"

// SourceConfig describes where producers publish events.
type SourceConfig struct {
	URL          string
	Exchange     string
	ExchangeType string
	RoutingKey   string
	// Queue is optional. Without it every instance gets its own exclusive auto-delete queue,
	// so each node sees every event.
	Queue    string
	Prefetch int
}

// SubscriberProvider builds watermill-amqp subscribers (and publishers for the same topology)
// from SourceConfig.
type SubscriberProvider struct {
	cfg    SourceConfig
	queue  string
	logger watermill.LoggerAdapter
}

func NewSubscriberProvider(cfg SourceConfig, logger watermill.LoggerAdapter) *SubscriberProvider {
	queue := cfg.Queue
	if queue == "" {
		// [NODE_QUEUE] e.g. event-stream.b23a8f12
		queue = fmt.Sprintf("%s.%s", queuePrefix, uuid.NewString()[:8])
	}
	return &SubscriberProvider{cfg: cfg, queue: queue, logger: logger}
}

// Topic is the name the router subscribes under; it is the exchange itself.
func (p *SubscriberProvider) Topic() string { return p.cfg.Exchange }

func (p *SubscriberProvider) Queue() string { return p.queue }

// Config is the full watermill-amqp configuration for the source.
func (p *SubscriberProvider) Config() amqp.Config {
	named := p.cfg.Queue != ""
	exchange := p.cfg.Exchange
	routingKey := p.cfg.RoutingKey

	return amqp.Config{
		Connection: amqp.ConnectionConfig{
			AmqpURI:   p.cfg.URL,
			Reconnect: amqp.DefaultReconnectConfig(),
		},
		Marshaler: Marshaler{},
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return exchange },
			Type:         p.cfg.ExchangeType,
			Durable:      true,
		},
		Queue: amqp.QueueConfig{
			GenerateName: amqp.GenerateQueueNameConstant(p.queue),
			Durable:      named,
			AutoDelete:   !named,
			Exclusive:    !named,
		},
		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: func(string) string { return routingKey },
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
		},
		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{PrefetchCount: p.cfg.Prefetch},
		},
		TopologyBuilder: Topology{},
	}
}

// Build dials the broker and returns a subscriber. It fails when the broker is unreachable;
// once connected, watermill-amqp reconnects on its own.
func (p *SubscriberProvider) Build() (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(p.Config(), p.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp subscriber: %w", err)
	}
	return sub, nil
}

// BuildPublisher returns a publisher onto the same exchange. Message topics become routing keys.
func (p *SubscriberProvider) BuildPublisher() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(p.Config(), p.logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	return pub, nil
}
