// Package instances registers a relay instance in the shared liveness
// directory and hands its subscriptions to a peer when it shuts down.
//
// The directory is a sorted set scored by the last heartbeat of each
// instance. Entries older than the staleness window belong to instances that
// died without shutting down; they are never chosen as successors and are
// pruned by every heartbeat.
package instances

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultStaleAfter is three missed heartbeats.
	DefaultStaleAfter = 3 * DefaultHeartbeatInterval
)

// Announcement is published on the shutdown channel when an instance leaves.
type Announcement struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Successor adopts the subscriptions of a departed instance.
type Successor interface {
	TakeOver(ctx context.Context, from string) (int, error)
}

// LeaseHolder gives up every topic lease held locally.
type LeaseHolder interface {
	ReleaseAll(ctx context.Context)
}

// Manager is the lifecycle of one relay instance.
type Manager struct {
	store     coord.Store
	keys      coord.Keyspace
	id        string
	successor Successor
	leases    LeaseHolder
	log       *slog.Logger

	heartbeat  time.Duration
	staleAfter time.Duration
	now        func() time.Time
	pick       func(n int) int

	mu        sync.Mutex
	sub       coord.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	takeovers sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPicker replaces the uniform random choice of a successor. pick
// receives the number of candidates and returns the chosen index.
func WithPicker(pick func(n int) int) Option {
	return func(m *Manager) { m.pick = pick }
}

func New(store coord.Store, keys coord.Keyspace, instanceID string, successor Successor, leases LeaseHolder, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		keys:       keys,
		id:         instanceID,
		successor:  successor,
		leases:     leases,
		log:        slog.Default(),
		heartbeat:  DefaultHeartbeatInterval,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		pick:       rand.IntN,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ID() string { return m.id }

// Start listens for shutdown announcements, registers the instance and
// starts the heartbeat. Store failures are returned: an instance that cannot
// coordinate must not serve.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.store.Subscribe(ctx, m.keys.InstanceShutdownChannel(), m.handleAnnouncement)
	if err != nil {
		return fmt.Errorf("subscribe to shutdown announcements: %w", err)
	}
	if err := m.beat(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("register instance: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.sub = sub
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	go m.run(runCtx)

	m.log.InfoContext(ctx, "instance.start", slog.String("instance", m.id))
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.beat(ctx); err != nil && ctx.Err() == nil {
				m.log.WarnContext(ctx, "instance.heartbeat.fail", slog.String("err", err.Error()))
			}
		}
	}
}

func (m *Manager) beat(ctx context.Context) error {
	now := m.now()
	if err := m.store.ZAdd(ctx, m.keys.Instances(), m.id, float64(now.UnixMilli())); err != nil {
		return err
	}
	cutoff := float64(now.Add(-m.staleAfter).UnixMilli())
	pruned, err := m.store.ZRemRangeByScore(ctx, m.keys.Instances(), math.Inf(-1), cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.log.InfoContext(ctx, "instance.directory.prune", slog.Int64("count", pruned))
	}
	return nil
}

// Live returns the instances that sent a heartbeat within the staleness
// window, this one included.
func (m *Manager) Live(ctx context.Context) ([]string, error) {
	since := float64(m.now().Add(-m.staleAfter).UnixMilli())
	return m.store.ZRangeByScore(ctx, m.keys.Instances(), since, math.Inf(1))
}

// Shutdown leaves the cluster: it unregisters the instance, releases its
// topic leases and asks a random live peer to take over its subscriptions.
// Every step is best effort.
func (m *Manager) Shutdown(ctx context.Context) {
	if err := m.store.ZRem(ctx, m.keys.Instances(), m.id); err != nil {
		m.log.WarnContext(ctx, "instance.unregister.fail", slog.String("err", err.Error()))
	}

	// Leases go first so the successor can lead the topics right away.
	m.leases.ReleaseAll(ctx)

	if err := m.announce(ctx); err != nil {
		m.log.WarnContext(ctx, "instance.announce.fail", slog.String("err", err.Error()))
	}

	m.mu.Lock()
	cancel, done, sub := m.cancel, m.done, m.sub
	m.cancel, m.sub = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			m.log.WarnContext(ctx, "instance.unsubscribe.fail", slog.String("err", err.Error()))
		}
	}
	m.takeovers.Wait()
	m.log.InfoContext(ctx, "instance.shutdown", slog.String("instance", m.id))
}

func (m *Manager) announce(ctx context.Context) error {
	live, err := m.Live(ctx)
	if err != nil {
		return err
	}
	peers := live[:0]
	for _, id := range live {
		if id != m.id {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		m.log.InfoContext(ctx, "instance.announce.skip", slog.String("reason", "no live peer"))
		return nil
	}
	to := peers[m.pick(len(peers))]
	payload, err := json.Marshal(Announcement{From: m.id, To: to})
	if err != nil {
		return err
	}
	if err := m.store.Publish(ctx, m.keys.InstanceShutdownChannel(), payload); err != nil {
		return err
	}
	m.log.InfoContext(ctx, "instance.announce", slog.String("to", to))
	return nil
}

func (m *Manager) handleAnnouncement(ctx context.Context, payload []byte) error {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("decode announcement: %w", err)
	}
	if a.To != m.id || a.From == m.id {
		return nil
	}
	m.takeovers.Add(1)
	defer m.takeovers.Done()
	n, err := m.successor.TakeOver(ctx, a.From)
	if err != nil {
		return fmt.Errorf("take over from %s: %w", a.From, err)
	}
	m.log.InfoContext(ctx, "instance.takeover", slog.String("from", a.From), slog.Int("subscriptions", n))
	return nil
}
