// Package msglog stores consumed messages in a capped, expiring list per
// topic and answers the tail and filtered queries consumers make against it.
//
// Whether the log is local to one process or shared by every relay instance
// depends only on the coord.Store it is built with.
package msglog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
)

const (
	// DefaultMaxLength bounds every topic log.
	DefaultMaxLength = 5000
	// DefaultTTL expires a topic log that received nothing for this long.
	DefaultTTL = 10 * time.Minute
	// ScanBatchSize is the number of entries read per round trip while
	// scanning backward.
	ScanBatchSize = 100
)

// Log is the message log of every topic.
type Log struct {
	store  coord.Store
	keys   coord.Keyspace
	maxLen int64
	ttl    time.Duration
	log    *slog.Logger
}

type Option func(*Log)

func WithMaxLength(n int64) Option {
	return func(l *Log) { l.maxLen = n }
}

func WithTTL(ttl time.Duration) Option {
	return func(l *Log) { l.ttl = ttl }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Log) { l.log = log }
}

func New(store coord.Store, keys coord.Keyspace, opts ...Option) *Log {
	l := &Log{
		store:  store,
		keys:   keys,
		maxLen: DefaultMaxLength,
		ttl:    DefaultTTL,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores m at the tail of the topic log, trims the log to its maximum
// length and refreshes its TTL in one atomic batch.
func (l *Log) Append(ctx context.Context, topic string, m Message) error {
	raw, err := encode(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := l.store.AppendCapped(ctx, l.keys.TopicMessages(topic), raw, l.maxLen, l.ttl); err != nil {
		return fmt.Errorf("append to %s: %w", topic, err)
	}
	return nil
}

// Tail returns the newest count messages, oldest first.
func (l *Log) Tail(ctx context.Context, topic string, count int) ([]Message, error) {
	if count <= 0 {
		return nil, nil
	}
	raw, err := l.store.LRange(ctx, l.keys.TopicMessages(topic), -int64(count), -1)
	if err != nil {
		return nil, err
	}
	return l.decodeAll(ctx, topic, raw), nil
}

// ScanFiltered returns up to desired of the newest messages accepted by
// match, oldest first. The log is read backward in batches of ScanBatchSize
// and the scan stops as soon as enough matches are found.
//
// Appends that trim the head shift every index, so a batch may begin with
// entries the previous batch already returned. Such entries are not examined
// twice: the rest of the batch is abandoned when one recurs.
func (l *Log) ScanFiltered(ctx context.Context, topic string, match func(Message) bool, desired int) ([]Message, error) {
	if desired <= 0 {
		desired = 1
	}
	key := l.keys.TopicMessages(topic)

	var (
		matches  []Message
		previous map[string]struct{}
		offset   int64
	)
	for len(matches) < desired {
		start := -(offset + ScanBatchSize)
		stop := -(offset + 1)
		batch, err := l.store.LRange(ctx, key, start, stop)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for i := len(batch) - 1; i >= 0 && len(matches) < desired; i-- {
			raw := batch[i]
			if _, seen := previous[raw]; seen {
				l.log.DebugContext(ctx, "msglog.scan.overlap", slog.String("topic", topic))
				break
			}
			m, err := decode(raw)
			if err != nil {
				l.log.DebugContext(ctx, "msglog.decode.skip", slog.String("topic", topic), slog.String("err", err.Error()))
				continue
			}
			if match == nil || match(m) {
				matches = append(matches, m)
			}
		}

		previous = make(map[string]struct{}, len(batch))
		for _, raw := range batch {
			previous[raw] = struct{}{}
		}
		offset += int64(len(batch))
		if len(batch) < ScanBatchSize {
			break
		}
	}

	// Collected newest first.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches, nil
}

// Since returns every stored message whose timestamp is at or after t, in
// log order.
func (l *Log) Since(ctx context.Context, topic string, t time.Time) ([]Message, error) {
	raw, err := l.store.LRange(ctx, l.keys.TopicMessages(topic), 0, -1)
	if err != nil {
		return nil, err
	}
	all := l.decodeAll(ctx, topic, raw)
	out := all[:0]
	for _, m := range all {
		if ts, ok := m.Time(); ok && !ts.Before(t) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Len returns the number of messages currently stored for topic.
func (l *Log) Len(ctx context.Context, topic string) (int64, error) {
	return l.store.LLen(ctx, l.keys.TopicMessages(topic))
}

func (l *Log) decodeAll(ctx context.Context, topic string, raw []string) []Message {
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, err := decode(r)
		if err != nil {
			l.log.DebugContext(ctx, "msglog.decode.skip", slog.String("topic", topic), slog.String("err", err.Error()))
			continue
		}
		out = append(out, m)
	}
	return out
}

// Filter selects messages by value and header regular expressions. A message
// matches when its value matches Value or any of its header values matches
// Header. A filter with neither expression matches everything.
type Filter struct {
	Value  *regexp.Regexp
	Header *regexp.Regexp
}

// Empty reports whether the filter has no expressions.
func (f Filter) Empty() bool { return f.Value == nil && f.Header == nil }

func (f Filter) Match(m Message) bool {
	if f.Empty() {
		return true
	}
	if f.Value != nil && f.Value.MatchString(m.Value) {
		return true
	}
	if f.Header != nil {
		for _, v := range m.Headers {
			if v != nil && *v != "" && f.Header.MatchString(*v) {
				return true
			}
		}
	}
	return false
}

// CompileFilter builds a Filter from optional expressions. Empty strings are
// ignored.
func CompileFilter(value, header string) (Filter, error) {
	var f Filter
	if value != "" {
		re, err := regexp.Compile(value)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid filter %q: %w", value, err)
		}
		f.Value = re
	}
	if header != "" {
		re, err := regexp.Compile(header)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid header filter %q: %w", header, err)
		}
		f.Header = re
	}
	return f, nil
}
