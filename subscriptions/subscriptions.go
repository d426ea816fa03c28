// Package subscriptions keeps track of caller subscriptions across relay
// instances.
//
// Every subscription is persisted in the coordination store under its owner
// instance with a TTL, and cached in the memory of the owning instance. The
// store is authoritative: a periodic sweep tears down cached subscriptions
// whose record is gone, and stops topic consumers nobody subscribes to any
// more.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/ggoodman/kafka-relay-go/internal/logctx"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/topics"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned for unknown or expired subscriptions.
var ErrNotFound = errors.New("subscription not found")

const (
	// DefaultTTL is the maximum lifetime of a subscription.
	DefaultTTL = 600 * time.Second
	// DefaultSweepInterval is how often expired subscriptions and idle topics
	// are reaped.
	DefaultSweepInterval = 6 * time.Second
)

// Subscription is a caller's interest in one topic.
type Subscription struct {
	ID        string           `json:"id"`
	Topic     string           `json:"topic"`
	Conn      kafka.ConnConfig `json:"brokerConfig"`
	CreatedAt time.Time        `json:"createdAt"`
	Owner     string           `json:"ownerInstanceId"`
}

// Params describe the subscription to create.
type Params struct {
	Topic string
	Conn  kafka.ConnConfig
}

// AddOptions tune how the topic consumer starts for a new subscription.
type AddOptions struct {
	// StartAt resumes the topic from an instant instead of from committed
	// offsets.
	StartAt time.Time
}

// Query selects messages of a subscription.
type Query struct {
	Filter msglog.Filter
	// Count is the number of newest matching messages to return.
	Count int
}

// Registry is the subscriber registry of one relay instance.
type Registry struct {
	store      coord.Store
	keys       coord.Keyspace
	instanceID string
	topics     *topics.Manager
	messages   *msglog.Log
	log        *slog.Logger

	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	local map[string]Subscription

	deletes coord.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepEvery = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store coord.Store, keys coord.Keyspace, instanceID string, manager *topics.Manager, messages *msglog.Log, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		keys:       keys,
		instanceID: instanceID,
		topics:     manager,
		messages:   messages,
		log:        slog.Default(),
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		local:      make(map[string]Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID is the id of the instance owning local subscriptions.
func (r *Registry) InstanceID() string { return r.instanceID }

// TTL is the maximum lifetime of a subscription.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Start subscribes to cross-instance delete requests and starts the expiry
// sweep. It must be called once; Close undoes it.
func (r *Registry) Start(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, r.keys.SubscriberDeleteChannel(), r.handleDelete)
	if err != nil {
		return fmt.Errorf("subscribe to delete requests: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.deletes = sub
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(runCtx)
	return nil
}

// Close stops the sweep and the delete listener.
func (r *Registry) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return r.deletes.Close()
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(r.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Add persists a new subscription owned by this instance and waits until the
// topic consumer runs here or elsewhere. When the consumer cannot start the
// subscription is rolled back and the error returned.
func (r *Registry) Add(ctx context.Context, p Params, opts AddOptions) (Subscription, error) {
	sub := Subscription{
		ID:        uuid.NewString(),
		Topic:     p.Topic,
		Conn:      p.Conn,
		CreatedAt: r.now(),
		Owner:     r.instanceID,
	}
	ctx = logctx.WithSubscription(ctx, sub.ID, sub.Topic)

	raw, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, fmt.Errorf("encode subscription: %w", err)
	}
	key := r.keys.Subscriber(r.instanceID, sub.ID)
	if err := r.store.Set(ctx, key, string(raw), r.ttl); err != nil {
		return Subscription{}, fmt.Errorf("persist subscription: %w", err)
	}
	r.mu.Lock()
	r.local[sub.ID] = sub
	r.mu.Unlock()

	if err := r.topics.Ensure(ctx, topics.StartRequest{Topic: sub.Topic, Conn: sub.Conn, StartAt: opts.StartAt}); err != nil {
		r.forget(sub.ID)
		if derr := r.store.Del(context.WithoutCancel(ctx), key); derr != nil {
			r.log.WarnContext(ctx, "subscription.rollback.fail", slog.String("err", derr.Error()))
		}
		return Subscription{}, err
	}
	r.log.InfoContext(ctx, "subscription.add")
	return sub, nil
}

// Get returns a subscription owned by this instance.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.local[id]
	return sub, ok
}

// Lookup returns a subscription whichever instance owns it.
func (r *Registry) Lookup(ctx context.Context, id string) (Subscription, error) {
	if sub, ok := r.Get(id); ok {
		return sub, nil
	}
	keys, err := r.store.Keys(ctx, r.keys.SubscriberByID(id))
	if err != nil {
		return Subscription{}, fmt.Errorf("lookup subscription: %w", err)
	}
	for _, key := range keys {
		sub, ok, err := r.load(ctx, key)
		if err != nil {
			return Subscription{}, err
		}
		if ok {
			return sub, nil
		}
	}
	return Subscription{}, ErrNotFound
}

func (r *Registry) load(ctx context.Context, key string) (Subscription, bool, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("load subscription: %w", err)
	}
	if !ok {
		return Subscription{}, false, nil
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		r.log.WarnContext(ctx, "subscription.decode.skip", slog.String("key", key), slog.String("err", err.Error()))
		return Subscription{}, false, nil
	}
	return sub, true, nil
}

// Delete removes a subscription. Subscriptions owned by another instance are
// deleted by their owner after a request on the delete channel, so Delete
// returning nil only means the request was issued.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if sub, ok := r.Get(id); ok {
		r.teardown(ctx, id, "deleted")
		r.stopIfUnused(ctx, sub.Topic)
		return nil
	}
	if _, err := r.Lookup(ctx, id); err != nil {
		return err
	}
	if err := r.store.Publish(ctx, r.keys.SubscriberDeleteChannel(), []byte(id)); err != nil {
		return fmt.Errorf("request subscription delete: %w", err)
	}
	r.log.InfoContext(ctx, "subscription.delete.requested", slog.String("subscription", id))
	return nil
}

func (r *Registry) handleDelete(ctx context.Context, payload []byte) error {
	id := string(payload)
	if sub, ok := r.Get(id); ok {
		r.teardown(ctx, id, "deleted remotely")
		r.stopIfUnused(ctx, sub.Topic)
	}
	return nil
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
}

// teardown removes a local subscription and its record. The topic consumer
// is left running; callers decide whether it is still needed.
func (r *Registry) teardown(ctx context.Context, id, reason string) {
	r.forget(id)
	if err := r.store.Del(ctx, r.keys.Subscriber(r.instanceID, id)); err != nil {
		r.log.WarnContext(ctx, "subscription.teardown.fail", slog.String("subscription", id), slog.String("err", err.Error()))
	}
	r.log.InfoContext(ctx, "subscription.teardown", slog.String("subscription", id), slog.String("reason", reason))
}

// ActiveSubscribers returns local subscriptions together with those owned by
// other instances.
func (r *Registry) ActiveSubscribers(ctx context.Context) (map[string]Subscription, error) {
	out := make(map[string]Subscription)
	r.mu.RLock()
	for id, sub := range r.local {
		out[id] = sub
	}
	r.mu.RUnlock()

	keys, err := r.store.Keys(ctx, r.keys.AllSubscribers())
	if err != nil {
		return out, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, key := range keys {
		_, id, ok := r.keys.ParseSubscriber(key)
		if !ok {
			continue
		}
		if _, known := out[id]; known {
			continue
		}
		sub, ok, err := r.load(ctx, key)
		if err != nil {
			return out, err
		}
		if ok {
			out[id] = sub
		}
	}
	return out, nil
}

// Messages returns the newest messages of the subscription's topic that
// were produced after the subscription was created and match q.Filter. The
// topic consumer is started when it does not run anywhere.
func (r *Registry) Messages(ctx context.Context, id string, q Query) ([]msglog.Message, error) {
	sub, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithSubscription(ctx, sub.ID, sub.Topic)
	if err := r.topics.Ensure(ctx, topics.StartRequest{Topic: sub.Topic, Conn: sub.Conn}); err != nil {
		return nil, err
	}
	since := sub.CreatedAt.Truncate(time.Millisecond)
	return r.messages.ScanFiltered(ctx, sub.Topic, func(m msglog.Message) bool {
		ts, ok := m.Time()
		if !ok || ts.Before(since) {
			return false
		}
		return q.Filter.Match(m)
	}, q.Count)
}

// Exists reports whether a subscription is alive on any instance.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	if sub, ok := r.Get(id); ok {
		return r.now().Before(sub.CreatedAt.Add(r.ttl)), nil
	}
	_, err := r.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// TakeOver re-homes every subscription of a departed instance to this one
// and resumes their topics just after the newest message already stored.
// Failures of individual subscriptions are logged and skipped. It returns the
// number of subscriptions taken over.
func (r *Registry) TakeOver(ctx context.Context, from string) (int, error) {
	if from == r.instanceID {
		return 0, nil
	}
	keys, err := r.store.Keys(ctx, r.keys.SubscribersOf(from))
	if err != nil {
		return 0, fmt.Errorf("list subscriptions of %s: %w", from, err)
	}
	sort.Strings(keys)

	taken := 0
	for _, key := range keys {
		sub, ok, err := r.load(ctx, key)
		if err != nil {
			r.log.WarnContext(ctx, "subscription.takeover.fail", slog.String("key", key), slog.String("err", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		subCtx := logctx.WithSubscription(ctx, sub.ID, sub.Topic)
		if err := r.adopt(subCtx, key, sub); err != nil {
			r.log.WarnContext(subCtx, "subscription.takeover.fail", slog.String("from", from), slog.String("err", err.Error()))
			continue
		}
		taken++
	}
	r.log.InfoContext(ctx, "subscription.takeover", slog.String("from", from), slog.Int("count", taken))
	return taken, nil
}

func (r *Registry) adopt(ctx context.Context, key string, sub Subscription) error {
	sub.Owner = r.instanceID
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	moved, err := r.store.Move(ctx, key, r.keys.Subscriber(r.instanceID, sub.ID), string(raw))
	if err != nil {
		return fmt.Errorf("move subscription: %w", err)
	}
	if !moved {
		return nil
	}
	r.mu.Lock()
	r.local[sub.ID] = sub
	r.mu.Unlock()

	startAt, err := r.resumePoint(ctx, sub)
	if err != nil {
		return err
	}
	return r.topics.Ensure(ctx, topics.StartRequest{Topic: sub.Topic, Conn: sub.Conn, StartAt: startAt})
}

// resumePoint is one millisecond after the newest message stored for the
// subscription's topic, or zero when nothing is stored.
func (r *Registry) resumePoint(ctx context.Context, sub Subscription) (time.Time, error) {
	msgs, err := r.messages.Since(ctx, sub.Topic, sub.CreatedAt.Truncate(time.Millisecond))
	if err != nil {
		return time.Time{}, fmt.Errorf("read stored messages: %w", err)
	}
	var latest time.Time
	for _, m := range msgs {
		if ts, ok := m.Time(); ok && ts.After(latest) {
			latest = ts
		}
	}
	if latest.IsZero() {
		return time.Time{}, nil
	}
	return latest.Add(time.Millisecond), nil
}

// Sweep tears down local subscriptions whose record expired and stops topic
// consumers no subscription uses any more.
func (r *Registry) Sweep(ctx context.Context) {
	// Local ids are taken before listing the store. Add and adopt write the
	// record before the local entry, so any id seen here is already listed
	// unless it expired.
	r.mu.RLock()
	candidates := make([]string, 0, len(r.local))
	for id := range r.local {
		candidates = append(candidates, id)
	}
	r.mu.RUnlock()

	keys, err := r.store.Keys(ctx, r.keys.SubscribersOf(r.instanceID))
	if err != nil {
		r.log.WarnContext(ctx, "subscription.sweep.fail", slog.String("err", err.Error()))
		return
	}
	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, id, ok := r.keys.ParseSubscriber(key); ok {
			present[id] = struct{}{}
		}
	}

	for _, id := range candidates {
		if _, ok := present[id]; !ok {
			r.teardown(ctx, id, "expired")
		}
	}

	r.reapIdleTopics(ctx)
}

// stopIfUnused stops the local consumer of topic once no subscription on any
// instance uses it. A subscription added to the topic while it stops gets its
// consumer back.
func (r *Registry) stopIfUnused(ctx context.Context, topic string) {
	if r.topics.State(topic) != topics.StateRunning {
		return
	}
	if _, used, err := r.topicUser(ctx, topic); err != nil || used {
		if err != nil {
			r.log.WarnContext(ctx, "subscription.topic.check.fail", slog.String("topic", topic), slog.String("err", err.Error()))
		}
		return
	}
	r.topics.Stop(ctx, topic, "unused")

	sub, used, err := r.topicUser(ctx, topic)
	if err != nil || !used {
		return
	}
	if err := r.topics.Ensure(ctx, topics.StartRequest{Topic: topic, Conn: sub.Conn}); err != nil {
		r.log.WarnContext(ctx, "subscription.topic.restart.fail", slog.String("topic", topic), slog.String("err", err.Error()))
	}
}

// topicUser returns a subscription on topic, if any.
func (r *Registry) topicUser(ctx context.Context, topic string) (Subscription, bool, error) {
	subs, err := r.ActiveSubscribers(ctx)
	if err != nil {
		return Subscription{}, false, err
	}
	for _, sub := range subs {
		if sub.Topic == topic {
			return sub, true, nil
		}
	}
	return Subscription{}, false, nil
}

func (r *Registry) reapIdleTopics(ctx context.Context) {
	subs, err := r.ActiveSubscribers(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "subscription.sweep.fail", slog.String("err", err.Error()))
		return
	}
	inUse := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		inUse[sub.Topic] = struct{}{}
	}
	// A topic started within the last sweep may belong to a subscription
	// whose record is still being written.
	cutoff := r.now().Add(-r.sweepEvery)
	for _, st := range r.topics.Snapshot() {
		if st.State != topics.StateRunning {
			continue
		}
		if _, ok := inUse[st.Topic]; ok || st.StartedAt.After(cutoff) {
			continue
		}
		r.topics.Stop(ctx, st.Topic, "idle")
	}
}
