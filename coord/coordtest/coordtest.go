// Package coordtest is a conformance suite for coord.Store implementations.
package coordtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/stretchr/testify/require"
)

// Harness is a store under test plus a way to move its notion of time.
type Harness struct {
	Store   coord.Store
	Advance func(time.Duration)
}

// StoreFactory creates a fresh, empty store for each test.
type StoreFactory func(t *testing.T) Harness

// RunStoreTests runs the complete coord.Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Strings_SetNXIsExclusiveUntilExpiry", func(t *testing.T) { testSetNXExclusive(t, factory) })
	t.Run("Strings_ConcurrentSetNXHasOneWinner", func(t *testing.T) { testConcurrentSetNX(t, factory) })
	t.Run("Strings_ExpireIfEqualsOnlyForHolder", func(t *testing.T) { testExpireIfEquals(t, factory) })
	t.Run("Strings_DelIfEqualsOnlyForHolder", func(t *testing.T) { testDelIfEquals(t, factory) })
	t.Run("Strings_MoveKeepsRemainingTTL", func(t *testing.T) { testMove(t, factory) })
	t.Run("Strings_KeysMatchesPattern", func(t *testing.T) { testKeys(t, factory) })

	t.Run("Lists_AppendCappedTrimsOldest", func(t *testing.T) { testAppendCapped(t, factory) })
	t.Run("Lists_AppendCappedRefreshesTTL", func(t *testing.T) { testAppendCappedTTL(t, factory) })
	t.Run("Lists_LRangeNegativeIndexes", func(t *testing.T) { testLRange(t, factory) })

	t.Run("SortedSets_RangeAndPrune", func(t *testing.T) { testSortedSet(t, factory) })

	t.Run("PubSub_FanOutInOrder", func(t *testing.T) { testPubSubFanOut(t, factory) })
	t.Run("PubSub_CloseStopsDelivery", func(t *testing.T) { testPubSubClose(t, factory) })
}

func testSetNXExclusive(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	ok, err := h.Store.SetNX(ctx, "lease", "a", 6*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Store.SetNX(ctx, "lease", "b", 6*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := h.Store.Get(ctx, "lease")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", v)

	h.Advance(7 * time.Second)

	_, found, err = h.Store.Get(ctx, "lease")
	require.NoError(t, err)
	require.False(t, found)

	ok, err = h.Store.SetNX(ctx, "lease", "b", 6*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func testConcurrentSetNX(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.Store.SetNX(ctx, "race", fmt.Sprintf("inst-%d", i), 6*time.Second)
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func testExpireIfEquals(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.Store.Set(ctx, "k", "me", 6*time.Second))

	ok, err := h.Store.ExpireIfEquals(ctx, "k", "other", 6*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	h.Advance(4 * time.Second)
	ok, err = h.Store.ExpireIfEquals(ctx, "k", "me", 6*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Without the renewal the key would be gone by now.
	h.Advance(4 * time.Second)
	v, found, err := h.Store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "me", v)

	ok, err = h.Store.ExpireIfEquals(ctx, "missing", "me", time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func testDelIfEquals(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.Store.Set(ctx, "k", "owner", time.Minute))

	ok, err := h.Store.DelIfEquals(ctx, "k", "intruder")
	require.NoError(t, err)
	require.False(t, ok)

	_, found, err := h.Store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	ok, err = h.Store.DelIfEquals(ctx, "k", "owner")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = h.Store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func testMove(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.Store.Set(ctx, "src", `{"owner":"a"}`, 10*time.Second))
	h.Advance(4 * time.Second)

	ok, err := h.Store.Move(ctx, "src", "dst", `{"owner":"b"}`)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := h.Store.Get(ctx, "src")
	require.NoError(t, err)
	require.False(t, found)

	v, found, err := h.Store.Get(ctx, "dst")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"owner":"b"}`, v)

	ttl, found, err := h.Store.TTL(ctx, "dst")
	require.NoError(t, err)
	require.True(t, found)
	require.LessOrEqual(t, ttl, 6*time.Second)
	require.Greater(t, ttl, 5*time.Second)

	ok, err = h.Store.Move(ctx, "src", "dst", "x")
	require.NoError(t, err)
	require.False(t, ok)
}

func testKeys(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	ks := coord.NewKeyspace("test")
	require.NoError(t, h.Store.Set(ctx, ks.Subscriber("i1", "s1"), "{}", time.Minute))
	require.NoError(t, h.Store.Set(ctx, ks.Subscriber("i1", "s2"), "{}", time.Minute))
	require.NoError(t, h.Store.Set(ctx, ks.Subscriber("i2", "s3"), "{}", time.Second))
	require.NoError(t, h.Store.Set(ctx, ks.TopicLeader("orders"), "i1", time.Minute))

	keys, err := h.Store.Keys(ctx, ks.SubscribersOf("i1"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ks.Subscriber("i1", "s1"), ks.Subscriber("i1", "s2")}, keys)

	keys, err = h.Store.Keys(ctx, ks.SubscriberByID("s3"))
	require.NoError(t, err)
	require.Equal(t, []string{ks.Subscriber("i2", "s3")}, keys)

	h.Advance(2 * time.Second)
	keys, err = h.Store.Keys(ctx, ks.AllSubscribers())
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func testAppendCapped(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, h.Store.AppendCapped(ctx, "log", fmt.Sprintf("m%d", i), 5, time.Minute))
	}
	n, err := h.Store.LLen(ctx, "log")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	all, err := h.Store.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3", "m4", "m5", "m6"}, all)
}

func testAppendCappedTTL(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.Store.AppendCapped(ctx, "log", "a", 10, 10*time.Second))
	h.Advance(8 * time.Second)
	require.NoError(t, h.Store.AppendCapped(ctx, "log", "b", 10, 10*time.Second))
	h.Advance(8 * time.Second)

	all, err := h.Store.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, all)

	h.Advance(3 * time.Second)
	n, err := h.Store.LLen(ctx, "log")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testLRange(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Store.AppendCapped(ctx, "log", fmt.Sprintf("%d", i), 100, time.Minute))
	}

	tail, err := h.Store.LRange(ctx, "log", -3, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "8", "9"}, tail)

	mid, err := h.Store.LRange(ctx, "log", -6, -4)
	require.NoError(t, err)
	require.Equal(t, []string{"4", "5", "6"}, mid)

	clipped, err := h.Store.LRange(ctx, "log", -100, -9)
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1"}, clipped)

	none, err := h.Store.LRange(ctx, "missing", 0, -1)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testSortedSet(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.Store.ZAdd(ctx, "instances", "a", 100))
	require.NoError(t, h.Store.ZAdd(ctx, "instances", "b", 200))
	require.NoError(t, h.Store.ZAdd(ctx, "instances", "c", 300))
	require.NoError(t, h.Store.ZAdd(ctx, "instances", "a", 400))

	members, err := h.Store.ZRangeByScore(ctx, "instances", 150, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, members)

	removed, err := h.Store.ZRemRangeByScore(ctx, "instances", 0, 250)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	require.NoError(t, h.Store.ZRem(ctx, "instances", "c"))
	members, err = h.Store.ZRangeByScore(ctx, "instances", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, members)
}

func testPubSubFanOut(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type recv struct {
		mu  sync.Mutex
		got []string
	}
	var r1, r2 recv
	collect := func(r *recv) coord.MessageHandler {
		return func(ctx context.Context, payload []byte) error {
			r.mu.Lock()
			r.got = append(r.got, string(payload))
			r.mu.Unlock()
			return nil
		}
	}

	s1, err := h.Store.Subscribe(ctx, "chan", collect(&r1))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := h.Store.Subscribe(ctx, "chan", collect(&r2))
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Store.Publish(ctx, "chan", []byte(fmt.Sprintf("p%d", i))))
	}
	require.NoError(t, h.Store.Publish(ctx, "other", []byte("ignored")))

	want := []string{"p0", "p1", "p2", "p3", "p4"}
	for _, r := range []*recv{&r1, &r2} {
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return len(r.got) == len(want)
		}, 2*time.Second, 10*time.Millisecond)
		r.mu.Lock()
		require.Equal(t, want, r.got)
		r.mu.Unlock()
	}
}

func testPubSubClose(t *testing.T, factory StoreFactory) {
	h := factory(t)
	ctx := context.Background()

	var n atomic.Int32
	sub, err := h.Store.Subscribe(ctx, "chan", func(ctx context.Context, payload []byte) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.Store.Publish(ctx, "chan", []byte("one")))
	require.Eventually(t, func() bool { return n.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, h.Store.Publish(ctx, "chan", []byte("two")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), n.Load())
}
