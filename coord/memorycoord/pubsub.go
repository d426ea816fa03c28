package memorycoord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/kafka-relay-go/coord"
)

// subscription delivers payloads in publish order from a private queue so
// that a slow handler never blocks publishers.
type subscription struct {
	s       *Store
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
	handler coord.MessageHandler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return coord.ErrClosed
	}

	s.subsMu.RLock()
	targets := make([]*subscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.subsMu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(append([]byte(nil), payload...))
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler coord.MessageHandler) (coord.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, coord.ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		s:       s,
		channel: channel,
		ctx:     subCtx,
		cancel:  cancel,
		handler: handler,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	s.subsMu.Lock()
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[channel] = set
	}
	set[sub] = struct{}{}
	s.subsMu.Unlock()

	go sub.run()
	return sub, nil
}

func (sub *subscription) enqueue(payload []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.queue = append(sub.queue, payload)
	sub.cond.Signal()
}

func (sub *subscription) run() {
	defer close(sub.done)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		payload := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		if err := sub.handler(sub.ctx, payload); err != nil {
			sub.s.log.WarnContext(sub.ctx, "coord.subscription.handler.fail",
				slog.String("channel", sub.channel),
				slog.String("err", err.Error()),
			)
		}
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		sub.cancel()
		sub.mu.Lock()
		sub.closed = true
		sub.queue = nil
		sub.cond.Broadcast()
		sub.mu.Unlock()
	})
}

func (sub *subscription) Close() error {
	sub.s.subsMu.Lock()
	if set, ok := sub.s.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(sub.s.subs, sub.channel)
		}
	}
	sub.s.subsMu.Unlock()
	sub.stop()
	return nil
}
