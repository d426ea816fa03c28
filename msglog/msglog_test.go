package msglog

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/ggoodman/kafka-relay-go/coord/memorycoord"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, opts ...Option) (*Log, *memorycoord.Store) {
	t.Helper()
	store := memorycoord.New()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, coord.NewKeyspace("test"), opts...), store
}

func msg(i int) Message {
	return Message{
		Value:     fmt.Sprintf("value-%d", i),
		Timestamp: strconv.Itoa(1_000 + i),
		Offset:    strconv.Itoa(i),
		Headers:   map[string]*string{},
	}
}

func values(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Value)
	}
	return out
}

func TestAppendAndTailRespectCap(t *testing.T) {
	l, _ := newLog(t, WithMaxLength(10))
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, l.Append(ctx, "orders", msg(i)))
		n, err := l.Len(ctx, "orders")
		require.NoError(t, err)
		require.LessOrEqual(t, n, int64(10))
	}

	tail, err := l.Tail(ctx, "orders", 10)
	require.NoError(t, err)
	want := make([]string, 0, 10)
	for i := 15; i < 25; i++ {
		want = append(want, fmt.Sprintf("value-%d", i))
	}
	require.Equal(t, want, values(tail))

	tail, err = l.Tail(ctx, "orders", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"value-23", "value-24"}, values(tail))
}

func TestStructuredValueRoundTrip(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	structured := map[string]any{"id": 7, "tags": []string{"a", "b"}}
	v, err := NormalizeValue(structured)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, "orders", Message{Value: v, Timestamp: "1"}))

	want, err := json.Marshal(structured)
	require.NoError(t, err)

	tail, err := l.Tail(ctx, "orders", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, string(want), tail[0].Value)
}

func TestDecodeToleratesStructuredStoredValue(t *testing.T) {
	l, store := newLog(t)
	ctx := context.Background()
	key := coord.NewKeyspace("test").TopicMessages("orders")

	require.NoError(t, store.AppendCapped(ctx, key, `{"key":null,"value":{"a":1},"headers":{},"timestamp":"5"}`, 10, time.Minute))
	require.NoError(t, store.AppendCapped(ctx, key, `not json`, 10, time.Minute))

	tail, err := l.Tail(ctx, "orders", 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, `{"a":1}`, tail[0].Value)
	require.Equal(t, "5", tail[0].Timestamp)
}

func TestScanFilteredOrderAndCount(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	// 350 messages spans several scan batches.
	for i := 0; i < 350; i++ {
		require.NoError(t, l.Append(ctx, "orders", msg(i)))
	}
	even := func(m Message) bool {
		n, _ := strconv.Atoi(m.Offset)
		return n%2 == 0
	}

	got, err := l.ScanFiltered(ctx, "orders", even, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"value-344", "value-346", "value-348"}, values(got))

	got, err = l.ScanFiltered(ctx, "orders", func(m Message) bool { return m.Offset == "7" || m.Offset == "9" }, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"value-7", "value-9"}, values(got))

	got, err = l.ScanFiltered(ctx, "missing", even, 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

// overlapStore shifts the list between the first and second batch the way a
// concurrent append plus trim does.
type overlapStore struct {
	coord.Store
	key   string
	calls int
}

func (s *overlapStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.calls++
	if s.calls == 2 {
		for i := 0; i < 10; i++ {
			raw, _ := encode(msg(1000 + i))
			if err := s.Store.AppendCapped(ctx, s.key, raw, 150, time.Minute); err != nil {
				return nil, err
			}
		}
	}
	return s.Store.LRange(ctx, key, start, stop)
}

func TestScanFilteredSkipsEntriesAlreadySeen(t *testing.T) {
	base := memorycoord.New()
	defer base.Close()
	keys := coord.NewKeyspace("test")
	store := &overlapStore{Store: base, key: keys.TopicMessages("orders")}
	l := New(store, keys, WithMaxLength(150))
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, l.Append(ctx, "orders", msg(i)))
	}

	got, err := l.ScanFiltered(ctx, "orders", func(Message) bool { return true }, 1000)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, m := range got {
		require.False(t, seen[m.Offset], "offset %s returned twice", m.Offset)
		seen[m.Offset] = true
	}
	for i := 1; i < len(got); i++ {
		a, _ := strconv.Atoi(got[i-1].Offset)
		b, _ := strconv.Atoi(got[i].Offset)
		require.Less(t, a, b)
	}
}

func TestSince(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, "orders", msg(i)))
	}
	got, err := l.Since(ctx, "orders", time.UnixMilli(1_003))
	require.NoError(t, err)
	require.Equal(t, []string{"value-3", "value-4"}, values(got))
}

func TestFilter(t *testing.T) {
	hdr := func(v string) *string { return &v }
	m1 := Message{Value: "message1", Headers: map[string]*string{"key1": hdr("value1")}}
	m2 := Message{Value: "message2", Headers: map[string]*string{"key1": hdr("value1"), "x-request-id": hdr("header-filter-1")}}
	m3 := Message{Value: "regex-filter", Headers: map[string]*string{"key1": nil}}

	f, err := CompileFilter("regex-filter", "header-filter-1")
	require.NoError(t, err)
	require.False(t, f.Match(m1))
	require.True(t, f.Match(m2))
	require.True(t, f.Match(m3))

	f, err = CompileFilter("", "header-filter-1")
	require.NoError(t, err)
	require.False(t, f.Match(m3))
	require.True(t, f.Match(m2))

	f, err = CompileFilter("", "")
	require.NoError(t, err)
	require.True(t, f.Empty())
	require.True(t, f.Match(m1))

	_, err = CompileFilter("(", "")
	require.Error(t, err)
}
