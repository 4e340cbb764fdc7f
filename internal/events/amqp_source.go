package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

const (
	DefaultAMQPQueue    = "orders.paid"
	DefaultRequeueDelay = time.Second
	defaultWorkers      = 4
	defaultPrefetch     = 10
)

type AMQPConfig struct {
	URI      string
	Queue    string
	Workers  int
	Prefetch int
	// RequeueDelay holds back the nack of an event that failed on an unavailable store
	// or was already redelivered.
	RequeueDelay time.Duration
}

// AMQPSource consumes paid-order events from a durable RabbitMQ queue with manual acks.
// Malformed events are rejected without requeue; store failures are requeued.
type AMQPSource struct {
	log     *logger.Logger
	cfg     AMQPConfig
	handler *Handler
}

func NewAMQPSource(log *logger.Logger, cfg AMQPConfig, handler *Handler) (*AMQPSource, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("missing amqp uri")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = DefaultAMQPQueue
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	return &AMQPSource{
		log:     log.With("service", "AMQPOrderSource", "queue", cfg.Queue),
		cfg:     cfg,
		handler: handler,
	}, nil
}

// Run dials, declares the queue and runs the workers until ctx is done or one of them
// fails.
func (s *AMQPSource) Run(ctx context.Context) error {
	conn, err := amqp.Dial(s.cfg.URI)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	decl, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := decl.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = decl.Close()
		return fmt.Errorf("amqp declare %q: %w", s.cfg.Queue, err)
	}
	_ = decl.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return s.worker(gctx, conn, id) })
	}
	s.log.Info("order event workers started", "workers", s.cfg.Workers)
	return g.Wait()
}

func (s *AMQPSource) worker(ctx context.Context, conn *amqp.Connection, id int) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("worker %d channel: %w", id, err)
	}
	defer ch.Close()

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("worker %d qos: %w", id, err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker %d consume: %w", id, err)
	}

	log := s.log.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %d: delivery channel closed", id)
			}
			s.settle(ctx, log, d)
		}
	}
}

func (s *AMQPSource) settle(ctx context.Context, log *logger.Logger, d amqp.Delivery) {
	err := s.handler.Handle(ctx, d.Body)
	switch {
	case err == nil:
		if aerr := d.Ack(false); aerr != nil {
			log.Warn("ack failed", "error", aerr)
		}
	case errors.Is(err, ErrMalformedEvent):
		log.Warn("bad order event payload", "error", err)
		if aerr := d.Reject(false); aerr != nil {
			log.Warn("reject failed", "error", aerr)
		}
	default:
		log.Error("order event requeued", "error", err, "redelivered", d.Redelivered)
		if d.Redelivered || errors.Is(err, recommender.ErrStoreUnavailable) {
			s.pause(ctx)
		}
		if aerr := d.Nack(false, true); aerr != nil {
			log.Warn("nack failed", "error", aerr)
		}
	}
}

func (s *AMQPSource) pause(ctx context.Context) {
	t := time.NewTimer(s.cfg.RequeueDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
