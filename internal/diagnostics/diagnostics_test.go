package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/subscriptions"
	"github.com/stretchr/testify/require"
)

type fakeSubs struct {
	subs map[string]subscriptions.Subscription
	err  error
}

func (f fakeSubs) ActiveSubscribers(ctx context.Context) (map[string]subscriptions.Subscription, error) {
	return f.subs, f.err
}

type fakeSizes map[string]int64

func (f fakeSizes) Len(ctx context.Context, topic string) (int64, error) { return f[topic], nil }

func TestReport(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(fakeSubs{subs: map[string]subscriptions.Subscription{
		"a": {ID: "a", Topic: "orders"},
		"b": {ID: "b", Topic: "orders"},
		"c": {ID: "c", Topic: "payments"},
	}}, fakeSizes{"orders": 42, "payments": 7}, WithClock(func() time.Time { return now }))

	r.Observe("consume", 3*time.Millisecond)
	r.Observe("consume", 5*time.Millisecond)
	r.Observe("subscribe", time.Millisecond)
	now = now.Add(90 * time.Second)

	rep := r.Report(context.Background())
	require.Equal(t, 3, rep.AliveSubscribers)
	require.Equal(t, map[string]int64{"consume": 2, "subscribe": 1}, rep.Calls)
	require.Equal(t, TopicStats{Messages: 42, Subscribers: 2}, rep.Topics["orders"])
	require.Equal(t, TopicStats{Messages: 7, Subscribers: 1}, rep.Topics["payments"])
	require.Equal(t, 90*time.Second, rep.Uptime)
	require.Equal(t, int64(2), rep.Latency["consume"].Count)
	require.InDelta(t, float64(5*time.Millisecond), float64(rep.Latency["consume"].Max), float64(10*time.Microsecond))
	require.NotZero(t, rep.PID)
}

func TestReportToleratesStoreFailure(t *testing.T) {
	r := New(fakeSubs{err: errors.New("down")}, fakeSizes{})
	r.Observe("produce", time.Hour)
	rep := r.Report(context.Background())
	require.Zero(t, rep.AliveSubscribers)
	require.Equal(t, int64(1), rep.Calls["produce"])
	require.Equal(t, time.Minute, rep.Latency["produce"].Max.Truncate(time.Second))
}

func TestRunLogsPeriodically(t *testing.T) {
	var buf syncBuffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := New(fakeSubs{}, fakeSizes{}, WithLogger(log), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte(`"msg":"diagnostics.periodic"`))
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNilRecorderIgnoresObservations(t *testing.T) {
	var r *Recorder
	r.Observe("consume", time.Second)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
