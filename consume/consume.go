// Package consume answers consume requests by polling a subscription's
// messages until enough match or the request times out.
package consume

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/subscriptions"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultTimeout  = 25 * time.Second
	MinTimeout      = 5 * time.Second
	MaxTimeout      = 25 * time.Second
	PollInterval    = 2 * time.Second
	DefaultMultiple = 1
	MaxMultiple     = 10

	hintFilter = "No message found. Maybe your regex filter is too restrictive?"
	hintTopic  = "No message found. Maybe the topic you provided when subscribing is either empty or not spelled correctly?"
)

// Source is what the engine reads subscriptions from.
type Source interface {
	Exists(ctx context.Context, id string) (bool, error)
	Messages(ctx context.Context, id string, q subscriptions.Query) ([]msglog.Message, error)
}

var _ Source = (*subscriptions.Registry)(nil)

type Options struct {
	// Filter is a regular expression matched against message values.
	Filter string
	// HeaderFilter is a regular expression matched against header values.
	HeaderFilter string
	// Multiple is the number of newest matching messages wanted.
	Multiple int
	// Text returns values as stored strings instead of parsing JSON values.
	Text bool
	// Timeout bounds the wait. Zero selects DefaultTimeout; requests are
	// expected to stay within MinTimeout and MaxTimeout.
	Timeout time.Duration
}

// Message is a consumed message as returned to callers. Value holds either
// the stored string or, unless text output was requested, the parsed JSON
// value.
type Message struct {
	Key       *string            `json:"key"`
	Value     any                `json:"value"`
	Headers   map[string]*string `json:"headers"`
	Timestamp string             `json:"timestamp"`
	Partition int32              `json:"partition"`
	Offset    string             `json:"offset"`
}

type Engine struct {
	source Source
	poll   time.Duration
	log    *slog.Logger
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.poll = d }
}

func New(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, poll: PollInterval, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Consume waits for messages of subscription id matching opts. It fails
// with a 404 *apierr.ClientError when the subscription is unknown or when
// nothing matched before the timeout.
func (e *Engine) Consume(ctx context.Context, id string, opts Options) ([]Message, error) {
	ok, err := e.source.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.NotFound("No subscription found for id %s", id)
	}

	filter, err := msglog.CompileFilter(opts.Filter, opts.HeaderFilter)
	if err != nil {
		return nil, apierr.BadRequest("%s", err.Error())
	}
	q := subscriptions.Query{Filter: filter, Count: clampMultiple(opts.Multiple)}
	timeout := clampTimeout(opts.Timeout)

	deadline := time.Now().Add(timeout)
	polls := 0
	for {
		polls++
		msgs, err := e.source.Messages(ctx, id, q)
		if errors.Is(err, subscriptions.ErrNotFound) {
			return nil, apierr.NotFound("No subscription found for id %s", id)
		}
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			e.log.DebugContext(ctx, "consume.hit", slog.Int("polls", polls), slog.Int("count", len(msgs)))
			return present(msgs, opts.Text), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := min(e.poll, remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	e.log.DebugContext(ctx, "consume.miss", slog.Int("polls", polls), slog.Duration("timeout", timeout))
	if !filter.Empty() {
		return nil, apierr.NotFound(hintFilter)
	}
	return nil, apierr.NotFound(hintTopic)
}

func clampMultiple(n int) int {
	switch {
	case n <= 0:
		return DefaultMultiple
	case n > MaxMultiple:
		return MaxMultiple
	}
	return n
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

func present(msgs []msglog.Message, text bool) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{
			Key:       m.Key,
			Value:     m.Value,
			Headers:   m.Headers,
			Timestamp: m.Timestamp,
			Partition: m.Partition,
			Offset:    m.Offset,
		}
		if !text && json.Valid([]byte(m.Value)) {
			out[i].Value = jsoniter.RawMessage(m.Value)
		}
	}
	return out
}

// IsTruthy reports whether a query string value enables a flag.
func IsTruthy(s string) bool {
	switch s {
	case "true", "TRUE", "True", "1":
		return true
	}
	return false
}
