package rediscoord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/redis/go-redis/v9"
)

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a dedicated pub/sub connection for channel and waits for
// the server to confirm the subscription before returning.
func (s *Store) Subscribe(ctx context.Context, channel string, handler coord.MessageHandler) (coord.Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.deliver(subCtx, channel, msg, handler)
			}
		}
	}()
	return sub, nil
}

func (s *Store) deliver(ctx context.Context, channel string, msg *redis.Message, handler coord.MessageHandler) {
	if err := handler(ctx, []byte(msg.Payload)); err != nil {
		s.log.WarnContext(ctx, "coord.subscription.handler.fail",
			slog.String("channel", channel),
			slog.String("err", err.Error()),
		)
	}
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		sub.cancel()
		err = sub.ps.Close()
	})
	return err
}
