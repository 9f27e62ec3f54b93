package pubsub

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Topology declares the queue and binding like the default builder, but never redeclares
// the broker's built-in amq.* exchanges, which RabbitMQ refuses.
type Topology struct{}

var _ amqp.TopologyBuilder = Topology{}

func (t Topology) BuildTopology(ch *amqp091.Channel, params amqp.BuildTopologyParams, cfg amqp.Config, logger watermill.LoggerAdapter) error {
	q := cfg.Queue
	if _, err := ch.QueueDeclare(params.QueueName, q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Arguments); err != nil {
		return fmt.Errorf("declare queue %s: %w", params.QueueName, err)
	}
	logger.Debug("Queue declared", watermill.LogFields{"queue": params.QueueName})

	if params.ExchangeName == "" {
		return nil
	}
	if err := t.ExchangeDeclare(ch, params.ExchangeName, cfg); err != nil {
		return err
	}

	if err := ch.QueueBind(params.QueueName, params.RoutingKey, params.ExchangeName, cfg.QueueBind.NoWait, cfg.QueueBind.Arguments); err != nil {
		return fmt.Errorf("bind %s to %s: %w", params.QueueName, params.ExchangeName, err)
	}
	return nil
}

func (Topology) ExchangeDeclare(ch *amqp091.Channel, name string, cfg amqp.Config) error {
	if IsReservedExchange(name) {
		return nil
	}
	e := cfg.Exchange
	if err := ch.ExchangeDeclare(name, e.Type, e.Durable, e.AutoDeleted, e.Internal, e.NoWait, e.Arguments); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func IsReservedExchange(name string) bool {
	return strings.HasPrefix(name, "amq.")
}
