// Package kafkatest provides an in-memory broker implementing kafka.Connector.
//
// Topics have one partition unless WithPartitions says otherwise. Produced
// records are placed like kafka.LegacyPartitioner places them, and consumers
// read a topic's partitions merged in produce order. Consumer groups commit
// the position of each record once its handler returns, and StartAt
// positioning resolves the first record at or after the requested time,
// mirroring the broker's offsets-by-timestamp lookup.
package kafkatest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/kafka"
)

// Cluster is an in-memory broker shared by every consumer and producer
// created from it.
type Cluster struct {
	now        func() time.Time
	partitions int

	mu         sync.Mutex
	topics     map[string][]kafka.Record
	offsets    map[string]map[int32]int64  // topic -> partition -> next offset
	unkeyed    map[string]int              // topic -> unkeyed records produced
	committed  map[string]map[string]int64 // group -> topic -> next position
	active     map[string]int              // topic -> running consumers
	connectErr error
	wake       chan struct{}
}

type Option func(*Cluster)

// WithClock sets the source of record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cluster) { c.now = now }
}

// WithPartitions sets the partition count of every topic.
func WithPartitions(n int) Option {
	return func(c *Cluster) {
		if n > 0 {
			c.partitions = n
		}
	}
}

func NewCluster(opts ...Option) *Cluster {
	c := &Cluster{
		now:        time.Now,
		partitions: 1,
		topics:     make(map[string][]kafka.Record),
		offsets:    make(map[string]map[int32]int64),
		unkeyed:    make(map[string]int),
		committed: make(map[string]map[string]int64),
		active:    make(map[string]int),
		wake:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ kafka.Connector = (*Cluster)(nil)

// FailConnections makes every subsequent connection attempt fail with err.
// A nil err restores normal behavior.
func (c *Cluster) FailConnections(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// ActiveConsumers reports how many consumers are currently running for topic.
func (c *Cluster) ActiveConsumers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[topic]
}

// Committed returns the position of the next record the group reads on
// topic. With a single partition it is the next offset.
func (c *Cluster) Committed(group, topic string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[group][topic]
	return off, ok
}

// Records returns a copy of everything produced to topic.
func (c *Cluster) Records(topic string) []kafka.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.Record(nil), c.topics[topic]...)
}

func (c *Cluster) checkConnect(conn kafka.ConnConfig) error {
	if len(conn.Brokers) == 0 {
		return &kafka.Error{Op: "connect", Err: errors.New("no brokers provided")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return &kafka.Error{Op: "connect", Err: c.connectErr}
	}
	return nil
}

func (c *Cluster) Produce(ctx context.Context, conn kafka.ConnConfig, rec kafka.ProduceRecord) (kafka.RecordMetadata, error) {
	if err := c.checkConnect(conn); err != nil {
		return kafka.RecordMetadata{}, err
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	c.mu.Lock()
	partition := c.partitionLocked(rec)
	if c.offsets[rec.Topic] == nil {
		c.offsets[rec.Topic] = make(map[int32]int64)
	}
	offset := c.offsets[rec.Topic][partition]
	c.offsets[rec.Topic][partition] = offset + 1
	c.topics[rec.Topic] = append(c.topics[rec.Topic], kafka.Record{
		Topic:     rec.Topic,
		Partition: partition,
		Offset:    offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   rec.Headers,
		Timestamp: ts,
	})
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()

	return kafka.RecordMetadata{
		TopicName:  rec.Topic,
		Partition:  partition,
		BaseOffset: strconv.FormatInt(offset, 10),
		Timestamp:  strconv.FormatInt(ts.UnixMilli(), 10),
	}, nil
}

func (c *Cluster) partitionLocked(rec kafka.ProduceRecord) int32 {
	if rec.Key != nil {
		return kafka.KeyPartition(rec.Key, c.partitions)
	}
	n := c.unkeyed[rec.Topic]
	c.unkeyed[rec.Topic] = n + 1
	return int32(n % c.partitions)
}

func (c *Cluster) NewConsumer(ctx context.Context, cfg kafka.ConsumerConfig) (kafka.Consumer, error) {
	if err := c.checkConnect(cfg.Conn); err != nil {
		return nil, err
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = kafka.DefaultLookback
	}

	c.mu.Lock()
	if !cfg.StartAt.IsZero() {
		c.commitLocked(cfg.GroupID, cfg.Topic, c.firstAtOrAfterLocked(cfg.Topic, cfg.StartAt))
	}
	pos, ok := c.committed[cfg.GroupID][cfg.Topic]
	if !ok {
		pos = c.firstAtOrAfterLocked(cfg.Topic, c.now().Add(-lookback))
	}
	c.mu.Unlock()

	return &consumer{c: c, topic: cfg.Topic, group: cfg.GroupID, pos: pos, closed: make(chan struct{})}, nil
}

func (c *Cluster) firstAtOrAfterLocked(topic string, t time.Time) int64 {
	recs := c.topics[topic]
	for i, r := range recs {
		if !r.Timestamp.Before(t) {
			return int64(i)
		}
	}
	return int64(len(recs))
}

func (c *Cluster) commitLocked(group, topic string, next int64) {
	g, ok := c.committed[group]
	if !ok {
		g = make(map[string]int64)
		c.committed[group] = g
	}
	g[topic] = next
}

type consumer struct {
	c     *Cluster
	topic string
	group string
	pos   int64

	once   sync.Once
	closed chan struct{}
}

func (k *consumer) Run(ctx context.Context, handle kafka.Handler) error {
	k.c.mu.Lock()
	k.c.active[k.topic]++
	k.c.mu.Unlock()
	defer func() {
		k.c.mu.Lock()
		k.c.active[k.topic]--
		k.c.mu.Unlock()
	}()

	for {
		k.c.mu.Lock()
		recs := k.c.topics[k.topic]
		var next *kafka.Record
		if k.pos < int64(len(recs)) {
			r := recs[k.pos]
			next = &r
		}
		wake := k.c.wake
		k.c.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-k.closed:
				return nil
			case <-wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-k.closed:
			return nil
		default:
		}

		_ = handle(ctx, *next)
		k.pos++
		k.c.mu.Lock()
		k.c.commitLocked(k.group, k.topic, k.pos)
		k.c.mu.Unlock()
	}
}

func (k *consumer) Close() {
	k.once.Do(func() { close(k.closed) })
}
