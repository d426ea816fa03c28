// Package diagnostics counts endpoint calls, tracks their latency and
// periodically logs a summary of the relay's state.
package diagnostics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/ggoodman/kafka-relay-go/subscriptions"
)

const DefaultInterval = 60 * time.Second

// Latency is recorded in microseconds up to this bound; slower calls are
// recorded at the bound.
const maxLatencyMicros = int64(time.Minute / time.Microsecond)

// Subscribers is the subset of the subscription registry diagnostics reads.
type Subscribers interface {
	ActiveSubscribers(ctx context.Context) (map[string]subscriptions.Subscription, error)
}

var _ Subscribers = (*subscriptions.Registry)(nil)

// LogSizer reports the number of stored messages for a topic.
type LogSizer interface {
	Len(ctx context.Context, topic string) (int64, error)
}

type Recorder struct {
	log      *slog.Logger
	subs     Subscribers
	logs     LogSizer
	interval time.Duration
	now      func() time.Time
	started  time.Time

	mu      sync.Mutex
	calls   map[string]int64
	latency map[string]*hdrhistogram.Histogram
}

type Option func(*Recorder)

func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

func WithInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(subs Subscribers, logs LogSizer, opts ...Option) *Recorder {
	r := &Recorder{
		log:      slog.Default(),
		subs:     subs,
		logs:     logs,
		interval: DefaultInterval,
		now:      time.Now,
		calls:    make(map[string]int64),
		latency:  make(map[string]*hdrhistogram.Histogram),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Observe counts one call to endpoint that took d.
func (r *Recorder) Observe(endpoint string, d time.Duration) {
	if r == nil {
		return
	}
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatencyMicros {
		us = maxLatencyMicros
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[endpoint]++
	h, ok := r.latency[endpoint]
	if !ok {
		h = hdrhistogram.New(1, maxLatencyMicros, 3)
		r.latency[endpoint] = h
	}
	_ = h.RecordValue(us)
}

type LatencySummary struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

type TopicStats struct {
	Messages    int64 `json:"messages"`
	Subscribers int   `json:"subscribers"`
}

type Memory struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

type Report struct {
	AliveSubscribers int                       `json:"aliveSubscribers"`
	Calls            map[string]int64          `json:"endpointCalls"`
	Latency          map[string]LatencySummary `json:"latency"`
	Memory           Memory                    `json:"memory"`
	PID              int                       `json:"pid"`
	Topics           map[string]TopicStats     `json:"topics"`
	Uptime           time.Duration             `json:"uptime"`
}

// Calls returns a copy of the endpoint call counters.
func (r *Recorder) Calls() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.calls))
	for k, v := range r.calls {
		out[k] = v
	}
	return out
}

func (r *Recorder) latencies() map[string]LatencySummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LatencySummary, len(r.latency))
	for k, h := range r.latency {
		out[k] = LatencySummary{
			Count: h.TotalCount(),
			P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
			P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
			Max:   time.Duration(h.Max()) * time.Microsecond,
		}
	}
	return out
}

// Report gathers the current state. Store failures leave the affected
// fields empty.
func (r *Recorder) Report(ctx context.Context) Report {
	rep := Report{
		Calls:   r.Calls(),
		Latency: r.latencies(),
		PID:     os.Getpid(),
		Topics:  make(map[string]TopicStats),
		Uptime:  r.now().Sub(r.started),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rep.Memory = Memory{HeapAlloc: ms.HeapAlloc, HeapInuse: ms.HeapInuse, Sys: ms.Sys, Goroutines: runtime.NumGoroutine()}

	subs, err := r.subs.ActiveSubscribers(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "diagnostics.subscribers.fail", slog.String("err", err.Error()))
		return rep
	}
	rep.AliveSubscribers = len(subs)
	for _, sub := range subs {
		ts := rep.Topics[sub.Topic]
		ts.Subscribers++
		rep.Topics[sub.Topic] = ts
	}
	for topic, ts := range rep.Topics {
		n, err := r.logs.Len(ctx, topic)
		if err != nil {
			r.log.WarnContext(ctx, "diagnostics.topic.len.fail", slog.String("topic", topic), slog.String("err", err.Error()))
			continue
		}
		ts.Messages = n
		rep.Topics[topic] = ts
	}
	return rep
}

// Run logs a report every interval until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.logReport(ctx)
		}
	}
}

func (r *Recorder) logReport(ctx context.Context) {
	rep := r.Report(ctx)

	topics := make([]string, 0, len(rep.Topics))
	for t := range rep.Topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	topicAttrs := make([]any, 0, len(topics))
	for _, t := range topics {
		ts := rep.Topics[t]
		topicAttrs = append(topicAttrs, slog.Group(t, slog.Int64("messages", ts.Messages), slog.Int("subscribers", ts.Subscribers)))
	}
	callAttrs := make([]any, 0, len(rep.Calls))
	for k, v := range rep.Calls {
		callAttrs = append(callAttrs, slog.Int64(k, v))
	}

	r.log.InfoContext(ctx, "diagnostics.periodic",
		slog.Int("aliveSubscribers", rep.AliveSubscribers),
		slog.Group("endpointCalls", callAttrs...),
		slog.Group("memory",
			slog.Uint64("heapAlloc", rep.Memory.HeapAlloc),
			slog.Uint64("heapInuse", rep.Memory.HeapInuse),
			slog.Uint64("sys", rep.Memory.Sys),
			slog.Int("goroutines", rep.Memory.Goroutines),
		),
		slog.Int("pid", rep.PID),
		slog.Group("topics", topicAttrs...),
		slog.Duration("uptime", rep.Uptime),
	)
}
