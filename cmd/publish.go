package cmd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/urfave/cli/v2"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
	"github.com/webitel/event-stream-service/internal/domain/event"
)

// publishCmd sends one event through the configured AMQP exchange, the same way a producer would.
func publishCmd() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish one event to the AMQP source exchange",
		ArgsUsage: "<json payload>",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:     "routing-key",
				Aliases:  []string{"k"},
				Usage:    "routing key, used as the channel when the payload has no path",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			payload := []byte(c.Args().First())
			if len(payload) == 0 {
				return errors.New("payload is required")
			}
			// fail early instead of letting the server drop it
			if _, err := event.Parse(payload, c.String("routing-key")); err != nil {
				return err
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(cfg.Log.Level)}))

			pub, err := pubsub.NewSubscriberProvider(pubsub.SourceConfig{
				URL:          cfg.AMQP.URL,
				Exchange:     cfg.AMQP.Exchange,
				ExchangeType: cfg.AMQP.ExchangeType,
				RoutingKey:   cfg.AMQP.RoutingKey,
				Queue:        cfg.AMQP.Queue,
				Prefetch:     cfg.AMQP.Prefetch,
			}, watermill.NewSlogLogger(logger)).BuildPublisher()
			if err != nil {
				return err
			}
			defer pub.Close()

			msg := message.NewMessage(watermill.NewUUID(), payload)
			if err := pub.Publish(c.String("routing-key"), msg); err != nil {
				return err
			}
			logger.Info("EVENT_PUBLISHED", "msg_id", msg.UUID, "routing_key", c.String("routing-key"))
			return nil
		},
	}
}
