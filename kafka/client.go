package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Client is the franz-go backed Connector.
type Client struct {
	log            *slog.Logger
	logLevel       slog.Level
	creds          Credentials
	defaultTimeout time.Duration
	lz4            bool
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClientLogLevel sets the minimum level of franz-go's own logs.
func WithClientLogLevel(level slog.Level) Option {
	return func(c *Client) { c.logLevel = level }
}

// WithCredentials overrides credentials embedded in broker addresses.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithDefaultConnectionTimeout is used when a caller does not pick a timeout.
func WithDefaultConnectionTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithLZ4 compresses produced batches with LZ4.
func WithLZ4(enabled bool) Option {
	return func(c *Client) { c.lz4 = enabled }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		log:            slog.Default(),
		logLevel:       slog.LevelWarn,
		defaultTimeout: DefaultConnectionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Connector = (*Client)(nil)

// clientOpts translates caller connection settings to franz-go options.
func (c *Client) clientOpts(cc ConnConfig) ([]kgo.Opt, time.Duration, error) {
	brokers, err := ParseBrokers(cc.Brokers, c.creds)
	if err != nil {
		return nil, 0, err
	}
	seeds := make([]string, 0, len(brokers))
	for _, b := range brokers {
		seeds = append(seeds, b.Addr)
	}
	timeout := ClampConnectionTimeout(cc.ConnectionTimeout, c.defaultTimeout)

	opts := []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.ClientID(ClientID),
		kgo.DialTimeout(timeout),
		kgo.WithLogger(newKgoLogger(c.log, c.logLevel)),
	}
	if cc.SSL {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	auth := cc.SASL
	if auth == nil && brokers[0].Username != "" {
		// Credentials carried in the broker address imply PLAIN.
		auth = &SASL{Mechanism: "plain", Username: brokers[0].Username, Password: brokers[0].Password}
	}
	if auth != nil {
		mech, err := c.mechanism(*auth)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, timeout, nil
}

func (c *Client) mechanism(s SASL) (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "plain":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism(), nil
	case "aws":
		return kaws.ManagedStreamingIAM(func(ctx context.Context) (kaws.Auth, error) {
			if s.AccessKeyID != "" {
				return kaws.Auth{
					AccessKey:    s.AccessKeyID,
					SecretKey:    s.SecretAccessKey,
					SessionToken: s.SessionToken,
				}, nil
			}
			cfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return kaws.Auth{}, fmt.Errorf("load aws config: %w", err)
			}
			creds, err := cfg.Credentials.Retrieve(ctx)
			if err != nil {
				return kaws.Auth{}, fmt.Errorf("retrieve aws credentials: %w", err)
			}
			return kaws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		}), nil
	}
	return nil, &Error{Op: "sasl", Err: fmt.Errorf("unsupported mechanism %q", s.Mechanism)}
}

// connect builds a client and verifies a broker answers within timeout.
func (c *Client) connect(ctx context.Context, opts []kgo.Opt, timeout time.Duration) (*kgo.Client, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		return nil, &Error{Op: "connect", Err: err}
	}
	return cl, nil
}

func (c *Client) NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	opts, timeout, err := c.clientOpts(cfg.Conn)
	if err != nil {
		return nil, err
	}

	if !cfg.StartAt.IsZero() {
		if err := c.commitStartOffsets(ctx, opts, timeout, cfg); err != nil {
			return nil, err
		}
	}

	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().Add(-lookback).UnixMilli())),
	)
	cl, err := c.connect(ctx, opts, timeout)
	if err != nil {
		return nil, err
	}
	return &consumer{cl: cl, topic: cfg.Topic, log: c.log}, nil
}

// commitStartOffsets resolves the offsets of the first records at or after
// cfg.StartAt and commits them for the group, so that joining the group
// resumes from there.
func (c *Client) commitStartOffsets(ctx context.Context, opts []kgo.Opt, timeout time.Duration, cfg ConsumerConfig) error {
	cl, err := c.connect(ctx, opts, timeout)
	if err != nil {
		return err
	}
	defer cl.Close()
	adm := kadm.NewClient(cl)

	listed, err := adm.ListOffsetsAfterMilli(ctx, cfg.StartAt.UnixMilli(), cfg.Topic)
	if err != nil {
		return &Error{Op: "list offsets", Err: err}
	}
	if err := listed.Error(); err != nil {
		return &Error{Op: "list offsets", Err: err}
	}
	ends, err := adm.ListEndOffsets(ctx, cfg.Topic)
	if err != nil {
		return &Error{Op: "list end offsets", Err: err}
	}

	offsets := make(kadm.Offsets)
	for topic, partitions := range listed {
		for partition, lo := range partitions {
			at := lo.Offset
			if at < 0 {
				// Nothing at or after StartAt yet: start at the end.
				if end, ok := ends.Lookup(topic, partition); ok {
					at = end.Offset
				}
			}
			if at < 0 {
				continue
			}
			if offsets[topic] == nil {
				offsets[topic] = make(map[int32]kadm.Offset)
			}
			offsets[topic][partition] = kadm.Offset{Topic: topic, Partition: partition, At: at, LeaderEpoch: -1}
		}
	}
	if len(offsets) == 0 {
		return nil
	}
	if err := adm.CommitAllOffsets(ctx, cfg.GroupID, offsets); err != nil {
		return &Error{Op: "commit offsets", Err: err}
	}
	return nil
}

type consumer struct {
	cl    *kgo.Client
	topic string
	log   *slog.Logger
	once  sync.Once
}

func (c *consumer) Run(ctx context.Context, handle Handler) error {
	for {
		fetches := c.cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.WarnContext(ctx, "kafka.fetch.fail",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("err", err.Error()),
			)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if err := handle(ctx, fromKgoRecord(r)); err != nil {
				c.log.WarnContext(ctx, "kafka.record.handle.fail",
					slog.String("topic", r.Topic),
					slog.Int64("offset", r.Offset),
					slog.String("err", err.Error()),
				)
			}
		})
	}
}

func (c *consumer) Close() {
	c.once.Do(c.cl.Close)
}

func fromKgoRecord(r *kgo.Record) Record {
	headers := make([]Header, 0, len(r.Headers))
	for _, h := range r.Headers {
		headers = append(headers, Header{Key: h.Key, Value: h.Value})
	}
	return Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

func (c *Client) Produce(ctx context.Context, conn ConnConfig, rec ProduceRecord) (RecordMetadata, error) {
	opts, timeout, err := c.clientOpts(conn)
	if err != nil {
		return RecordMetadata{}, err
	}
	opts = append(opts, kgo.RecordPartitioner(LegacyPartitioner()))
	if c.lz4 {
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	} else {
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	}
	cl, err := c.connect(ctx, opts, timeout)
	if err != nil {
		return RecordMetadata{}, err
	}
	defer cl.Close()

	kr := &kgo.Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp}
	for _, h := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
	}
	out, err := cl.ProduceSync(ctx, kr).First()
	if err != nil {
		return RecordMetadata{}, &Error{Op: "produce", Err: err}
	}
	return RecordMetadata{
		TopicName:  out.Topic,
		Partition:  out.Partition,
		BaseOffset: strconv.FormatInt(out.Offset, 10),
		Timestamp:  strconv.FormatInt(out.Timestamp.UnixMilli(), 10),
	}, nil
}
