package subscriptions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/ggoodman/kafka-relay-go/coord/coordtest"
	"github.com/ggoodman/kafka-relay-go/coord/memorycoord"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/kafka/kafkatest"
	"github.com/ggoodman/kafka-relay-go/leader"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/topics"
	"github.com/stretchr/testify/require"
)

var conn = kafka.ConnConfig{Brokers: []string{"fake:9092"}}

type world struct {
	clock   *coordtest.ManualClock
	store   coord.Store
	keys    coord.Keyspace
	cluster *kafkatest.Cluster
	log     *msglog.Log
}

func newWorld(t *testing.T) *world {
	t.Helper()
	clock := coordtest.NewManualClock(time.Now().Truncate(time.Millisecond))
	store := memorycoord.New(memorycoord.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	keys := coord.NewKeyspace("test")
	return &world{
		clock:   clock,
		store:   store,
		keys:    keys,
		cluster: kafkatest.NewCluster(kafkatest.WithClock(clock.Now)),
		log:     msglog.New(store, keys),
	}
}

type node struct {
	topics   *topics.Manager
	registry *Registry
}

func (w *world) node(t *testing.T, instance string) *node {
	t.Helper()
	return w.nodeWithStore(t, instance, w.store)
}

// nodeWithStore builds a node whose registry talks to store.
func (w *world) nodeWithStore(t *testing.T, instance string, store coord.Store) *node {
	t.Helper()
	m := topics.NewManager(leader.New(w.store, w.keys, instance), w.cluster, w.log, nil, topics.WithClock(w.clock.Now))
	r := New(store, w.keys, instance, m, w.log, WithClock(w.clock.Now))
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.Close()
		m.ReleaseAll(context.Background())
	})
	return &node{topics: m, registry: r}
}

func (w *world) produce(t *testing.T, topic string, vals ...string) {
	t.Helper()
	for _, v := range vals {
		w.clock.Advance(10 * time.Millisecond)
		_, err := w.cluster.Produce(context.Background(), conn, kafka.ProduceRecord{Topic: topic, Value: []byte(v)})
		require.NoError(t, err)
	}
}

func (w *world) waitForLog(t *testing.T, topic string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := w.log.Len(context.Background(), topic)
		return err == nil && got == n
	}, 2*time.Second, 5*time.Millisecond)
}

func values(msgs []msglog.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Value
	}
	return out
}

func TestAddAndReadNewestMessages(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	ctx := context.Background()

	sub, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	require.Equal(t, "a", sub.Owner)
	require.NotEmpty(t, sub.ID)

	w.produce(t, "orders", "m1", "m2", "m3")
	w.waitForLog(t, "orders", 3)

	msgs, err := a.registry.Messages(ctx, sub.ID, Query{Count: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3"}, values(msgs))
}

func TestMessagesAreScopedToCreation(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	ctx := context.Background()

	w.produce(t, "orders", "before")
	w.clock.Advance(time.Second)
	sub, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	w.produce(t, "orders", "after")
	w.waitForLog(t, "orders", 2)

	msgs, err := a.registry.Messages(ctx, sub.ID, Query{Count: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"after"}, values(msgs))

	f, err := msglog.CompileFilter("^nothing$", "")
	require.NoError(t, err)
	msgs, err = a.registry.Messages(ctx, sub.ID, Query{Filter: f, Count: 10})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestExistsHonorsTTLBoundary(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	b := w.node(t, "b")
	ctx := context.Background()

	sub, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)

	w.clock.Advance(DefaultTTL - time.Millisecond)
	for _, r := range []*Registry{a.registry, b.registry} {
		ok, err := r.Exists(ctx, sub.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	w.clock.Advance(2 * time.Millisecond)
	for _, r := range []*Registry{a.registry, b.registry} {
		ok, err := r.Exists(ctx, sub.ID)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestAddRollsBackWhenConsumerCannotStart(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	ctx := context.Background()

	w.cluster.FailConnections(errors.New("unreachable"))
	_, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.True(t, kafka.IsError(err))

	subs, err := a.registry.ActiveSubscribers(ctx)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestDeleteLocalAndRemote(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	b := w.node(t, "b")
	ctx := context.Background()

	require.ErrorIs(t, b.registry.Delete(ctx, "unknown"), ErrNotFound)

	local, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	require.NoError(t, a.registry.Delete(ctx, local.ID))
	_, ok := a.registry.Get(local.ID)
	require.False(t, ok)

	remote, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	found, err := b.registry.Lookup(ctx, remote.ID)
	require.NoError(t, err)
	require.Equal(t, "a", found.Owner)

	require.NoError(t, b.registry.Delete(ctx, remote.ID))
	require.Eventually(t, func() bool {
		_, ok := a.registry.Get(remote.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	ok, err = b.registry.Exists(ctx, remote.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestActiveSubscribersUnion(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	b := w.node(t, "b")
	ctx := context.Background()

	s1, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	s2, err := b.registry.Add(ctx, Params{Topic: "payments", Conn: conn}, AddOptions{})
	require.NoError(t, err)

	subs, err := a.registry.ActiveSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "orders", subs[s1.ID].Topic)
	require.Equal(t, "b", subs[s2.ID].Owner)
}

func TestSweepTearsDownExpiredAndReapsTopics(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	ctx := context.Background()

	sub, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, a.topics.Running())

	a.registry.Sweep(ctx)
	_, ok := a.registry.Get(sub.ID)
	require.True(t, ok)
	require.Equal(t, []string{"orders"}, a.topics.Running())

	w.clock.Advance(DefaultTTL + time.Second)
	a.registry.Sweep(ctx)
	_, ok = a.registry.Get(sub.ID)
	require.False(t, ok)
	require.Empty(t, a.topics.Running())
}

func TestTakeOverResumesAfterLastStoredMessage(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	b := w.node(t, "b")
	ctx := context.Background()

	sub, err := a.registry.Add(ctx, Params{Topic: "events", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	w.produce(t, "events", "e1", "e2")
	w.waitForLog(t, "events", 2)

	a.topics.ReleaseAll(ctx)
	w.produce(t, "events", "e3")

	n, err := b.registry.TakeOver(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	moved, ok := b.registry.Get(sub.ID)
	require.True(t, ok)
	require.Equal(t, "b", moved.Owner)
	require.Equal(t, []string{"events"}, b.topics.Running())

	w.waitForLog(t, "events", 3)
	msgs, err := b.registry.Messages(ctx, sub.ID, Query{Count: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"e1", "e2", "e3"}, values(msgs))

	keys, err := w.store.Keys(ctx, w.keys.SubscribersOf("a"))
	require.NoError(t, err)
	require.Empty(t, keys)
}

// pausingStore holds the first Keys call matching pattern after it listed
// the keys, until release is closed.
type pausingStore struct {
	coord.Store
	pattern string
	armed   atomic.Bool
	listed  chan struct{}
	release chan struct{}
}

func pauseKeys(store coord.Store, pattern string) *pausingStore {
	s := &pausingStore{Store: store, pattern: pattern, listed: make(chan struct{}), release: make(chan struct{})}
	s.armed.Store(true)
	return s
}

func (s *pausingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.Store.Keys(ctx, pattern)
	if pattern == s.pattern && s.armed.CompareAndSwap(true, false) {
		close(s.listed)
		<-s.release
	}
	return keys, err
}

// sweepPaused runs Sweep on n until its key listing is held, calls during,
// then lets the sweep finish.
func sweepPaused(t *testing.T, n *node, store *pausingStore, during func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.registry.Sweep(context.Background())
	}()
	select {
	case <-store.listed:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never listed keys")
	}
	during()
	close(store.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not finish")
	}
}

func TestSweepKeepsSubscriptionAddedWhileListing(t *testing.T) {
	w := newWorld(t)
	store := pauseKeys(w.store, w.keys.SubscribersOf("a"))
	a := w.nodeWithStore(t, "a", store)
	ctx := context.Background()

	var sub Subscription
	sweepPaused(t, a, store, func() {
		var err error
		sub, err = a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
		require.NoError(t, err)
	})

	_, ok := a.registry.Get(sub.ID)
	require.True(t, ok)
	exists, err := a.registry.Exists(ctx, sub.ID)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []string{"orders"}, a.topics.Running())
}

func TestSweepKeepsSubscriptionAdoptedWhileListing(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	store := pauseKeys(w.store, w.keys.SubscribersOf("b"))
	b := w.nodeWithStore(t, "b", store)
	ctx := context.Background()

	sub, err := a.registry.Add(ctx, Params{Topic: "events", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	a.topics.ReleaseAll(ctx)

	sweepPaused(t, b, store, func() {
		n, err := b.registry.TakeOver(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	moved, ok := b.registry.Get(sub.ID)
	require.True(t, ok)
	require.Equal(t, "b", moved.Owner)
	keys, err := w.store.Keys(ctx, w.keys.SubscribersOf("b"))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestDeleteStopsTopicOnceUnused(t *testing.T) {
	w := newWorld(t)
	a := w.node(t, "a")
	b := w.node(t, "b")
	ctx := context.Background()

	s1, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	s2, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	remote, err := b.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, a.topics.Running())
	require.Empty(t, b.topics.Running())

	require.NoError(t, a.registry.Delete(ctx, s1.ID))
	require.Equal(t, []string{"orders"}, a.topics.Running())

	// The subscription on b still needs a's consumer.
	require.NoError(t, a.registry.Delete(ctx, s2.ID))
	require.Equal(t, []string{"orders"}, a.topics.Running())

	last, err := a.registry.Add(ctx, Params{Topic: "orders", Conn: conn}, AddOptions{})
	require.NoError(t, err)
	require.NoError(t, b.registry.Delete(ctx, remote.ID))
	require.Equal(t, []string{"orders"}, a.topics.Running())

	require.NoError(t, a.registry.Delete(ctx, last.ID))
	require.Empty(t, a.topics.Running())
	holder, held, err := a.topics.Leases().Holder(ctx, "orders")
	require.NoError(t, err)
	require.False(t, held, "lease still held by %s", holder)
}
