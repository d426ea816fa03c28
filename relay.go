// Package relay assembles the relay from its configuration: the
// coordination store, topic consumers, subscriptions, instance handoff and
// the HTTP surface.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/consume"
	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/ggoodman/kafka-relay-go/coord/memorycoord"
	"github.com/ggoodman/kafka-relay-go/coord/rediscoord"
	"github.com/ggoodman/kafka-relay-go/instances"
	"github.com/ggoodman/kafka-relay-go/internal/config"
	"github.com/ggoodman/kafka-relay-go/internal/diagnostics"
	"github.com/ggoodman/kafka-relay-go/internal/envfile"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/leader"
	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/produce"
	"github.com/ggoodman/kafka-relay-go/relayhttp"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/ggoodman/kafka-relay-go/subscriptions"
	"github.com/ggoodman/kafka-relay-go/topics"
	"github.com/google/uuid"
)

// DefaultShutdownTimeout bounds Run's graceful shutdown.
const DefaultShutdownTimeout = 15 * time.Second

type Relay struct {
	cfg         config.Config
	log         *slog.Logger
	id          string
	store       coord.Store
	ownsStore   bool
	coordinated bool
	env         *envfile.Env

	registry  *schema.Registry
	messages  *msglog.Log
	topics    *topics.Manager
	subs      *subscriptions.Registry
	instances *instances.Manager
	diag      *diagnostics.Recorder
	handler   *relayhttp.Handler

	mu       sync.Mutex
	server   *http.Server
	cancel   context.CancelFunc
	shutdown bool
}

type options struct {
	log        *slog.Logger
	store      coord.Store
	connector  kafka.Connector
	env        *envfile.Env
	instanceID string
	subOpts    []subscriptions.Option
	instOpts   []instances.Option
}

type Option func(*options)

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStore uses store for coordination instead of the one selected by the
// configuration. The store is treated as shared: instance handoff is enabled
// and the caller keeps ownership of it.
func WithStore(store coord.Store) Option {
	return func(o *options) { o.store = store }
}

// WithConnector replaces the franz-go broker client.
func WithConnector(c kafka.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithEnv resolves request placeholders against env and watches its file.
func WithEnv(env *envfile.Env) Option {
	return func(o *options) { o.env = env }
}

func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

func WithSubscriptionOptions(opts ...subscriptions.Option) Option {
	return func(o *options) { o.subOpts = append(o.subOpts, opts...) }
}

func WithInstanceOptions(opts ...instances.Option) Option {
	return func(o *options) { o.instOpts = append(o.instOpts, opts...) }
}

// New builds a relay. In multi-instance mode it connects to Redis and fails
// when the store is unreachable.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Relay, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log

	r := &Relay{
		cfg: cfg,
		log: log,
		id:  o.instanceID,
		env: o.env,
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}

	switch {
	case o.store != nil:
		r.store = o.store
		r.coordinated = true
	case cfg.MultiInstance():
		store, err := rediscoord.New(ctx, cfg.Redis(), rediscoord.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("connect coordination store: %w", err)
		}
		r.store = store
		r.ownsStore = true
		r.coordinated = true
	default:
		r.store = memorycoord.New(memorycoord.WithLogger(log))
		r.ownsStore = true
	}

	connector := o.connector
	if connector == nil {
		connector = kafka.NewClient(
			kafka.WithLogger(log),
			kafka.WithClientLogLevel(cfg.KafkaClientLogLevel()),
			kafka.WithCredentials(cfg.Kafka),
			kafka.WithDefaultConnectionTimeout(cfg.ConnectionTimeout()),
			kafka.WithLZ4(cfg.LZ4Enabled()),
		)
	}

	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = coord.DefaultPrefix
	}
	keys := coord.NewKeyspace(prefix)

	r.registry = schema.NewRegistry(schema.WithLogger(log))
	r.messages = msglog.New(r.store, keys, msglog.WithLogger(log))
	topicOpts := []topics.Option{topics.WithLogger(log)}
	if cfg.ConsumerLookback > 0 {
		topicOpts = append(topicOpts, topics.WithLookback(cfg.ConsumerLookback))
	}
	r.topics = topics.NewManager(leader.New(r.store, keys, r.id), connector, r.messages, r.registry, topicOpts...)
	r.subs = subscriptions.New(r.store, keys, r.id, r.topics, r.messages, append([]subscriptions.Option{subscriptions.WithLogger(log)}, o.subOpts...)...)
	if r.coordinated {
		r.instances = instances.New(r.store, keys, r.id, r.subs, r.topics, append([]instances.Option{instances.WithLogger(log)}, o.instOpts...)...)
	}
	r.diag = diagnostics.New(r.subs, r.messages, diagnostics.WithLogger(log))

	r.handler = relayhttp.New(relayhttp.Deps{
		Subscriptions: r.subs,
		Consumer:      consume.New(r.subs, consume.WithLogger(log)),
		Producer:      produce.New(connector, r.registry, produce.WithLogger(log)),
		Registry:      r.registry,
		Topics:        r.topics,
		Messages:      r.messages,
	},
		relayhttp.WithLogger(log),
		relayhttp.WithEnv(r.env.Lookup),
		relayhttp.WithDiagnostics(r.diag),
	)
	return r, nil
}

func (r *Relay) ID() string { return r.id }

func (r *Relay) Handler() http.Handler { return r.handler }

func (r *Relay) Subscriptions() *subscriptions.Registry { return r.subs }

func (r *Relay) Topics() *topics.Manager { return r.topics }

// Start runs the background work: the subscription sweep, instance
// registration and heartbeat, diagnostics and env file watching. The
// configured schema registry is initialized; a failure there is logged and
// left to be fixed through the API.
func (r *Relay) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if ro := r.cfg.RegistryOptions(); ro != nil {
		if _, err := r.registry.Init(ctx, *ro); err != nil {
			r.log.WarnContext(ctx, "relay.registry.init.fail", slog.String("url", ro.URL), slog.String("err", err.Error()))
		}
	}
	if err := r.subs.Start(ctx); err != nil {
		cancel()
		return err
	}
	if r.instances != nil {
		if err := r.instances.Start(ctx); err != nil {
			_ = r.subs.Close()
			cancel()
			return err
		}
	}
	if r.cfg.DiagnosticsEnabled() {
		go r.diag.Run(runCtx)
	}
	if r.env != nil {
		if err := r.env.Watch(runCtx); err != nil {
			r.log.WarnContext(ctx, "relay.envfile.watch.fail", slog.String("err", err.Error()))
		}
	}
	r.log.InfoContext(ctx, "relay.start",
		slog.String("instance", r.id),
		slog.Bool("multi_instance", r.coordinated),
	)
	return nil
}

// Serve accepts HTTP connections on l until Shutdown.
func (r *Relay) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(r.log.Handler(), slog.LevelWarn),
	}
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return http.ErrServerClosed
	}
	r.server = srv
	r.mu.Unlock()
	return srv.Serve(l)
}

// Shutdown drains HTTP requests, hands this instance's subscriptions to a
// live peer and stops background work. It is safe to call more than once.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	srv, cancel := r.server, r.cancel
	r.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if r.instances != nil {
		r.instances.Shutdown(ctx)
	}
	if err := r.subs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriptions: %w", err))
	}
	r.topics.ReleaseAll(ctx)
	if cancel != nil {
		cancel()
	}
	if r.ownsStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	r.log.InfoContext(ctx, "relay.shutdown", slog.String("instance", r.id))
	return errors.Join(errs...)
}

// Run starts the relay, serves on the configured port and shuts down
// gracefully once ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	addr := net.JoinHostPort("", strconv.Itoa(r.cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		_ = r.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.log.InfoContext(ctx, "relay.listen", slog.String("addr", l.Addr().String()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve(l) }()

	select {
	case err := <-serveErr:
		_ = r.Shutdown(context.WithoutCancel(ctx))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	err = r.Shutdown(shutdownCtx)
	if serr := <-serveErr; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}
