package topics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/ggoodman/kafka-relay-go/coord/memorycoord"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/kafka/kafkatest"
	"github.com/ggoodman/kafka-relay-go/leader"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/stretchr/testify/require"
)

var conn = kafka.ConnConfig{Brokers: []string{"fake:9092"}}

type fixture struct {
	store   coord.Store
	keys    coord.Keyspace
	cluster *kafkatest.Cluster
	log     *msglog.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memorycoord.New()
	t.Cleanup(func() { _ = store.Close() })
	keys := coord.NewKeyspace("test")
	return &fixture{
		store:   store,
		keys:    keys,
		cluster: kafkatest.NewCluster(),
		log:     msglog.New(store, keys),
	}
}

func (f *fixture) manager(t *testing.T, instance string, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(leader.New(f.store, f.keys, instance), f.cluster, f.log, nil, opts...)
	t.Cleanup(func() { m.ReleaseAll(context.Background()) })
	return m
}

func TestGroupIDIsStablePerTopic(t *testing.T) {
	require.Equal(t, GroupID("orders"), GroupID("orders"))
	require.NotEqual(t, GroupID("orders"), GroupID("payments"))
	require.True(t, strings.HasPrefix(GroupID("orders"), GroupIDPrefix))
	require.Len(t, GroupID("orders"), len(GroupIDPrefix)+16)
}

func TestSingleConsumerAcrossManagers(t *testing.T) {
	f := newFixture(t)
	a := f.manager(t, "a")
	b := f.manager(t, "b")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := a
			if i%2 == 1 {
				m = b
			}
			errs[i] = m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return f.cluster.ActiveConsumers("orders") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, len(a.Running())+len(b.Running()))

	_, err := f.cluster.Produce(ctx, conn, kafka.ProduceRecord{
		Topic:   "orders",
		Key:     []byte("k1"),
		Value:   []byte("hello"),
		Headers: []kafka.Header{{Key: "trace", Value: []byte("abc")}, {Key: "empty"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := f.log.Len(ctx, "orders")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	msgs, err := f.log.Tail(ctx, "orders", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Value)
	require.Equal(t, "k1", *msgs[0].Key)
	require.Equal(t, "abc", *msgs[0].Headers["trace"])
	require.Nil(t, msgs[0].Headers["empty"])
	require.Equal(t, "0", msgs[0].Offset)
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "a")
	ctx := context.Background()

	for range 3 {
		require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn}))
	}
	require.Eventually(t, func() bool { return f.cluster.ActiveConsumers("orders") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, m.State("orders"))
	require.Equal(t, []string{"orders"}, m.Running())

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StateRunning, snap[0].State)
}

func TestStartFailureReleasesLease(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "a")
	ctx := context.Background()

	f.cluster.FailConnections(errors.New("broker unreachable"))
	err := m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn})
	require.True(t, kafka.IsError(err))
	require.Equal(t, StateIdle, m.State("orders"))

	_, held, err := m.Leases().Holder(ctx, "orders")
	require.NoError(t, err)
	require.False(t, held)

	f.cluster.FailConnections(nil)
	require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn}))
	require.Equal(t, StateRunning, m.State("orders"))
}

func TestLostLeaseStopsWithoutRelease(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "a", WithRenewInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn}))
	require.Eventually(t, func() bool { return f.cluster.ActiveConsumers("orders") == 1 }, time.Second, 5*time.Millisecond)

	// Another instance takes the lease behind our back.
	require.NoError(t, f.store.Set(ctx, f.keys.TopicLeader("orders"), "b", time.Minute))

	require.Eventually(t, func() bool { return m.State("orders") == StateIdle }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.cluster.ActiveConsumers("orders") == 0 }, time.Second, 5*time.Millisecond)

	holder, ok, err := m.Leases().Holder(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", holder)
}

func TestStopAndReleaseAll(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "a")
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn}))
	require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "payments", Conn: conn}))
	require.Equal(t, []string{"orders", "payments"}, m.Running())

	m.Stop(ctx, "orders", "idle")
	require.Equal(t, StateIdle, m.State("orders"))
	_, held, err := m.Leases().Holder(ctx, "orders")
	require.NoError(t, err)
	require.False(t, held)

	m.ReleaseAll(ctx)
	require.Empty(t, m.Running())
	_, held, err = m.Leases().Holder(ctx, "payments")
	require.NoError(t, err)
	require.False(t, held)
}

func TestStartAtResumesFromInstant(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, "a")
	ctx := context.Background()

	base := time.Now().Add(-30 * time.Second)
	for i, v := range []string{"one", "two", "three"} {
		_, err := f.cluster.Produce(ctx, conn, kafka.ProduceRecord{Topic: "orders", Value: []byte(v), Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	require.NoError(t, m.Ensure(ctx, StartRequest{Topic: "orders", Conn: conn, StartAt: base.Add(time.Second)}))
	require.Eventually(t, func() bool {
		n, err := f.log.Len(ctx, "orders")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)

	msgs, err := f.log.Tail(ctx, "orders", 10)
	require.NoError(t, err)
	require.Equal(t, "two", msgs[0].Value)
	require.Equal(t, "three", msgs[1].Value)
}

type upperCodec struct{}

func (upperCodec) Decode(ctx context.Context, b []byte) (any, bool) {
	if !strings.HasPrefix(string(b), "avro:") {
		return nil, false
	}
	return map[string]any{"decoded": strings.TrimPrefix(string(b), "avro:")}, true
}

func (upperCodec) Encode(ctx context.Context, v any) ([]byte, bool, error) { return nil, false, nil }

func (upperCodec) EncodeWith(ctx context.Context, v any, s schema.Subject) ([]byte, error) {
	return nil, nil
}

func TestNormalizeDecodesThroughCodec(t *testing.T) {
	f := newFixture(t)
	m := NewManager(leader.New(f.store, f.keys, "a"), f.cluster, f.log, upperCodec{})

	msg := m.normalize(context.Background(), kafka.Record{
		Value:     []byte("avro:x"),
		Headers:   []kafka.Header{{Key: "h", Value: []byte("avro:y")}, {Key: "plain", Value: []byte("raw")}},
		Timestamp: time.UnixMilli(1_700_000_000_123),
		Offset:    42,
	})
	require.Nil(t, msg.Key)
	require.JSONEq(t, `{"decoded":"x"}`, msg.Value)
	require.JSONEq(t, `{"decoded":"y"}`, *msg.Headers["h"])
	require.Equal(t, "raw", *msg.Headers["plain"])
	require.Equal(t, "1700000000123", msg.Timestamp)
	require.Equal(t, "42", msg.Offset)
}

func TestLookbackBoundsFirstStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	for _, topic := range []string{"recent", "backfill"} {
		for _, ts := range []time.Time{now.Add(-3 * time.Minute), now} {
			_, err := f.cluster.Produce(ctx, conn, kafka.ProduceRecord{Topic: topic, Value: []byte(ts.Format(time.RFC3339Nano)), Timestamp: ts})
			require.NoError(t, err)
		}
	}

	require.NoError(t, f.manager(t, "a").Ensure(ctx, StartRequest{Topic: "recent", Conn: conn}))
	require.NoError(t, f.manager(t, "b", WithLookback(5*time.Minute)).Ensure(ctx, StartRequest{Topic: "backfill", Conn: conn}))

	require.Eventually(t, func() bool {
		n, err := f.log.Len(ctx, "backfill")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := f.log.Len(ctx, "recent")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}
