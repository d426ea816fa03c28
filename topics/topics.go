// Package topics runs at most one upstream consumer per topic across every
// relay instance.
//
// A Manager starts a consumer for a topic only after winning the topic's
// lease, keeps the lease alive while the consumer runs and stops the
// consumer as soon as the lease is found to belong to someone else. Every
// consumed record is normalized and appended to the topic's message log.
//
// Per topic the manager moves through idle, acquiring, starting, running and
// stopping. Only one start may be in flight per topic; concurrent callers
// share its outcome.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/leader"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/schema"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a topic on this instance.
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
)

// GroupIDPrefix prefixes the consumer group of every topic.
const GroupIDPrefix = "kafka-relay-topic-"

// stopWait bounds how long a stop waits for the consume loop to exit.
const stopWait = 5 * time.Second

// GroupID derives the consumer group used for topic. The group is shared
// by every instance so committed offsets survive leadership changes.
func GroupID(topic string) string {
	return GroupIDPrefix + fmt.Sprintf("%016x", xxhash.Sum64String(topic))
}

// StartRequest asks for a topic consumer.
type StartRequest struct {
	Topic string
	Conn  kafka.ConnConfig
	// StartAt, when set, resumes the topic from that instant instead of from
	// committed group offsets.
	StartAt time.Time
}

// Status describes a topic this instance is working on.
type Status struct {
	Topic     string    `json:"topic"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Appended  int64     `json:"appended"`
}

// Manager owns the topic consumers of one relay instance.
type Manager struct {
	leases    *leader.Leases
	connector kafka.Connector
	messages  *msglog.Log
	codec     schema.Codec
	log       *slog.Logger

	renewEvery time.Duration
	lookback   time.Duration
	now        func() time.Time

	starts         singleflight.Group
	appendFailures rate.Sometimes

	mu      sync.Mutex
	running map[string]*topicConsumer
	pending map[string]State
}

type topicConsumer struct {
	topic     string
	state     State
	consumer  kafka.Consumer
	cancel    context.CancelFunc
	startedAt time.Time
	appended  atomic.Int64

	loopDone chan struct{} // consume loop exited
	stopped  chan struct{} // stop finished and entry removed
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRenewInterval sets how often leases of running topics are renewed.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) { m.renewEvery = d }
}

// WithLookback sets where a consumer group without commits starts.
func WithLookback(d time.Duration) Option {
	return func(m *Manager) { m.lookback = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(leases *leader.Leases, connector kafka.Connector, messages *msglog.Log, codec schema.Codec, opts ...Option) *Manager {
	m := &Manager{
		leases:         leases,
		connector:      connector,
		messages:       messages,
		codec:          codec,
		log:            slog.Default(),
		renewEvery:     leader.DefaultRenewInterval,
		lookback:       kafka.DefaultLookback,
		now:            time.Now,
		appendFailures: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		running:        make(map[string]*topicConsumer),
		pending:        make(map[string]State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure makes sure a consumer for req.Topic runs somewhere in the cluster.
// It returns nil when the consumer runs here, or when another instance
// holds the topic lease. Start failures are returned and leave the topic
// idle.
func (m *Manager) Ensure(ctx context.Context, req StartRequest) error {
	if m.State(req.Topic) == StateRunning {
		return nil
	}
	_, err, _ := m.starts.Do(req.Topic, func() (any, error) {
		return nil, m.start(context.WithoutCancel(ctx), req)
	})
	return err
}

func (m *Manager) start(ctx context.Context, req StartRequest) error {
	topic := req.Topic

	m.mu.Lock()
	if tc, ok := m.running[topic]; ok {
		if tc.state == StateRunning {
			m.mu.Unlock()
			return nil
		}
		// A stop is in progress. Let it finish before starting over.
		stopped := tc.stopped
		m.mu.Unlock()
		<-stopped
		m.mu.Lock()
	}
	m.pending[topic] = StateAcquiring
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, topic)
		m.mu.Unlock()
	}()

	isLeader, err := m.leases.AcquireOrConfirm(ctx, topic)
	if err != nil {
		m.log.ErrorContext(ctx, "topic.lease.acquire.fail", slog.String("topic", topic), slog.String("err", err.Error()))
		return err
	}
	if !isLeader {
		m.log.DebugContext(ctx, "topic.lease.held_elsewhere", slog.String("topic", topic))
		return nil
	}

	m.mu.Lock()
	m.pending[topic] = StateStarting
	m.mu.Unlock()

	cons, err := m.connector.NewConsumer(ctx, kafka.ConsumerConfig{
		Conn:     req.Conn,
		Topic:    topic,
		GroupID:  GroupID(topic),
		StartAt:  req.StartAt,
		Lookback: m.lookback,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "topic.consumer.start.fail", slog.String("topic", topic), slog.String("err", err.Error()))
		if rerr := m.leases.Release(ctx, topic); rerr != nil {
			m.log.WarnContext(ctx, "topic.lease.release.fail", slog.String("topic", topic), slog.String("err", rerr.Error()))
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	tc := &topicConsumer{
		topic:     topic,
		state:     StateRunning,
		consumer:  cons,
		cancel:    cancel,
		startedAt: m.now(),
		loopDone:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	m.mu.Lock()
	m.running[topic] = tc
	m.mu.Unlock()

	attrs := []any{slog.String("topic", topic), slog.String("group", GroupID(topic))}
	if !req.StartAt.IsZero() {
		attrs = append(attrs, slog.Time("start_at", req.StartAt))
	}
	m.log.InfoContext(ctx, "topic.consumer.start", attrs...)

	go m.consume(runCtx, tc)
	go m.renew(runCtx, tc)
	return nil
}

func (m *Manager) consume(ctx context.Context, tc *topicConsumer) {
	defer close(tc.loopDone)
	err := tc.consumer.Run(ctx, func(ctx context.Context, r kafka.Record) error {
		msg := m.normalize(ctx, r)
		if err := m.messages.Append(ctx, tc.topic, msg); err != nil {
			m.appendFailures.Do(func() {
				m.log.WarnContext(ctx, "topic.message.append.fail", slog.String("topic", tc.topic), slog.String("err", err.Error()))
			})
			return nil
		}
		tc.appended.Add(1)
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	// The loop ended on its own: the consumer is unusable.
	if err != nil {
		m.log.ErrorContext(ctx, "topic.consumer.run.fail", slog.String("topic", tc.topic), slog.String("err", err.Error()))
	}
	go m.stop(context.Background(), tc, "consumer stopped", true)
}

func (m *Manager) renew(ctx context.Context, tc *topicConsumer) {
	t := time.NewTicker(m.renewEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		held, err := m.leases.Renew(ctx, tc.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.WarnContext(ctx, "topic.lease.renew.fail", slog.String("topic", tc.topic), slog.String("err", err.Error()))
			continue
		}
		if !held {
			m.log.WarnContext(ctx, "topic.lease.lost", slog.String("topic", tc.topic))
			// Another instance may already lead. Leave its lease alone.
			go m.stop(context.Background(), tc, "leadership lost", false)
			return
		}
	}
}

// normalize converts a broker record into its stored form. Values and
// headers are decoded through the schema codec when possible and kept as
// raw strings otherwise.
func (m *Manager) normalize(ctx context.Context, r kafka.Record) msglog.Message {
	msg := msglog.Message{
		Value:     m.decode(ctx, r.Value),
		Headers:   make(map[string]*string, len(r.Headers)),
		Timestamp: msglog.FormatTimestamp(r.Timestamp),
		Partition: r.Partition,
		Offset:    strconv.FormatInt(r.Offset, 10),
	}
	if r.Key != nil {
		k := string(r.Key)
		msg.Key = &k
	}
	for _, h := range r.Headers {
		if h.Value == nil {
			msg.Headers[h.Key] = nil
			continue
		}
		v := m.decode(ctx, h.Value)
		msg.Headers[h.Key] = &v
	}
	return msg
}

func (m *Manager) decode(ctx context.Context, b []byte) string {
	if m.codec != nil {
		if decoded, ok := m.codec.Decode(ctx, b); ok {
			s, err := msglog.NormalizeValue(decoded)
			if err == nil {
				return s
			}
			m.log.DebugContext(ctx, "topic.message.normalize.fail", slog.String("err", err.Error()))
		}
	}
	return string(b)
}

// Stop stops the local consumer of topic, if any, and releases the lease
// when this instance still holds it. It never fails.
func (m *Manager) Stop(ctx context.Context, topic, reason string) {
	m.mu.Lock()
	tc, ok := m.running[topic]
	m.mu.Unlock()
	if ok {
		m.stop(ctx, tc, reason, true)
	}
}

func (m *Manager) stop(ctx context.Context, tc *topicConsumer, reason string, release bool) {
	m.mu.Lock()
	if tc.state == StateStopping || m.running[tc.topic] != tc {
		stopped := tc.stopped
		m.mu.Unlock()
		<-stopped
		return
	}
	tc.state = StateStopping
	m.mu.Unlock()

	tc.cancel()
	tc.consumer.Close()
	select {
	case <-tc.loopDone:
	case <-time.After(stopWait):
		m.log.WarnContext(ctx, "topic.consumer.stop.slow", slog.String("topic", tc.topic))
	}

	if release {
		if err := m.leases.Release(context.WithoutCancel(ctx), tc.topic); err != nil {
			m.log.WarnContext(ctx, "topic.lease.release.fail", slog.String("topic", tc.topic), slog.String("err", err.Error()))
		}
	}

	m.mu.Lock()
	if m.running[tc.topic] == tc {
		delete(m.running, tc.topic)
	}
	m.mu.Unlock()
	close(tc.stopped)

	m.log.InfoContext(ctx, "topic.consumer.stop",
		slog.String("topic", tc.topic),
		slog.String("reason", reason),
		slog.Int64("appended", tc.appended.Load()),
	)
}

// ReleaseAll stops every local consumer and releases the leases this
// instance still holds.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*topicConsumer, 0, len(m.running))
	for _, tc := range m.running {
		all = append(all, tc)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, tc := range all {
		wg.Add(1)
		go func(tc *topicConsumer) {
			defer wg.Done()
			m.stop(ctx, tc, "shutdown", true)
		}(tc)
	}
	wg.Wait()
}

// State returns the state of topic on this instance.
func (m *Manager) State(topic string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok := m.running[topic]; ok {
		return tc.state
	}
	if s, ok := m.pending[topic]; ok {
		return s
	}
	return StateIdle
}

// Running lists topics consumed by this instance.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for topic, tc := range m.running {
		if tc.state == StateRunning {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot describes every topic this instance is working on.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.running)+len(m.pending))
	for topic, tc := range m.running {
		out = append(out, Status{Topic: topic, State: tc.state, StartedAt: tc.startedAt, Appended: tc.appended.Load()})
	}
	for topic, s := range m.pending {
		if _, ok := m.running[topic]; ok {
			continue
		}
		out = append(out, Status{Topic: topic, State: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Leases exposes the lease manager for introspection.
func (m *Manager) Leases() *leader.Leases { return m.leases }
