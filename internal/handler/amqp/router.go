package amqp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
)

const (
	HandlerName = "ON_EVENT_PUBLISHED"

	handlerTimeout = 30 * time.Second
	throttlePerSec = 5000

	connectBackoff    = time.Second
	connectBackoffMax = 30 * time.Second
)

// Source consumes the producer exchange and feeds every delivery to the MessageHandler.
// The first connection is retried with backoff; after that watermill-amqp reconnects itself.
type Source struct {
	subs     *pubsub.SubscriberProvider
	handler  *MessageHandler
	logger   *slog.Logger
	wmLogger watermill.LoggerAdapter

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	router *message.Router
}

func NewSource(subs *pubsub.SubscriberProvider, handler *MessageHandler, logger *slog.Logger, wmLogger watermill.LoggerAdapter) *Source {
	return &Source{
		subs:     subs,
		handler:  handler,
		logger:   logger,
		wmLogger: wmLogger,
	}
}

// NewRouter builds the watermill router with the consumer middleware chain.
func (s *Source) NewRouter() (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, s.wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(
		// [PANIC_RECOVERY] keep the consumer alive
		middleware.Recoverer,
		TraceIDMiddleware,
		LoggingMiddleware(s.logger),
		NewRetryMiddleware(s.wmLogger).Middleware,
		middleware.NewThrottle(throttlePerSec, time.Second).Middleware,
		middleware.Timeout(handlerTimeout),
	)
	return router, nil
}

func (s *Source) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running is closed once the router consumes; nil before the first connection.
func (s *Source) Running() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil {
		return nil
	}
	return s.router.Running()
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	backoff := connectBackoff
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("AMQP_SOURCE_DOWN", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, connectBackoffMax)
	}
}

// serve runs one router until ctx ends or every handler stops.
func (s *Source) serve(ctx context.Context) error {
	sub, err := s.subs.Build()
	if err != nil {
		return err
	}
	defer sub.Close()

	router, err := s.NewRouter()
	if err != nil {
		return err
	}
	router.AddConsumerHandler(HandlerName, s.subs.Topic(), sub, s.handler.Handle)

	s.mu.Lock()
	s.router = router
	s.mu.Unlock()

	s.logger.Info("AMQP_PIPELINE_READY", "exchange", s.subs.Topic(), "queue", s.subs.Queue())
	return router.Run(ctx)
}
