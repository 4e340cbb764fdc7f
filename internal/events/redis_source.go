package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/copurchase/internal/platform/logger"
)

const DefaultRedisChannel = "orders.paid"

// RedisSource consumes paid-order events from a pub/sub channel. Pub/sub has no
// redelivery, so failed events are logged and lost.
type RedisSource struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	handler *Handler
}

func NewRedisSource(log *logger.Logger, rdb *goredis.Client, channel string, handler *Handler) (*RedisSource, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	ch := strings.TrimSpace(channel)
	if ch == "" {
		ch = DefaultRedisChannel
	}
	return &RedisSource{
		log:     log.With("service", "RedisOrderSource", "channel", ch),
		rdb:     rdb,
		channel: ch,
		handler: handler,
	}, nil
}

// Run blocks until ctx is done or the subscription breaks.
func (s *RedisSource) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	s.log.Info("order event subscription started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("redis subscription on %q closed", s.channel)
			}
			s.dispatch(ctx, []byte(m.Payload))
		}
	}
}

func (s *RedisSource) dispatch(ctx context.Context, payload []byte) {
	err := s.handler.Handle(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedEvent):
		s.log.Warn("bad order event payload", "error", err)
	default:
		s.log.Error("order event dropped", "error", err)
	}
}
