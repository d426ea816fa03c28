// Package leader implements the per-topic leadership lease that guarantees a
// single upstream consumer per topic across every relay instance.
//
// Leases are first-come-first-served: a lease is created with an atomic
// set-if-absent and there is no preemption. The holder keeps it alive by
// renewing well inside its TTL and gives it up with a compare-and-delete so
// that a lease now held by another instance is never removed.
package leader

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
)

const (
	// DefaultRenewInterval is how often a leader refreshes its lease.
	DefaultRenewInterval = 2 * time.Second
	// DefaultTTL is three renewal intervals so one slow round trip does not
	// cause a failover.
	DefaultTTL = 3 * DefaultRenewInterval
)

// Leases manages the topic leases held on behalf of one instance.
type Leases struct {
	store      coord.Store
	keys       coord.Keyspace
	instanceID string
	ttl        time.Duration
}

type Option func(*Leases)

func WithTTL(ttl time.Duration) Option {
	return func(l *Leases) { l.ttl = ttl }
}

func New(store coord.Store, keys coord.Keyspace, instanceID string, opts ...Option) *Leases {
	l := &Leases{store: store, keys: keys, instanceID: instanceID, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InstanceID is the holder identity written into leases.
func (l *Leases) InstanceID() string { return l.instanceID }

// TTL is the lifetime granted to a lease on acquisition and renewal.
func (l *Leases) TTL() time.Duration { return l.ttl }

// AcquireOrConfirm reports whether this instance leads topic, acquiring the
// lease when nobody holds it. An existing lease held by this instance is
// confirmed without being extended.
func (l *Leases) AcquireOrConfirm(ctx context.Context, topic string) (bool, error) {
	key := l.keys.TopicLeader(topic)
	ok, err := l.store.SetNX(ctx, key, l.instanceID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", topic, err)
	}
	if ok {
		return true, nil
	}
	holder, found, err := l.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read lease holder for %s: %w", topic, err)
	}
	if !found {
		// Expired between the two calls. Leave acquisition to the next attempt.
		return false, nil
	}
	return holder == l.instanceID, nil
}

// Renew extends the lease when this instance still holds it. It reports
// false when the lease expired or belongs to another instance, in which case
// the caller must stop consuming the topic.
func (l *Leases) Renew(ctx context.Context, topic string) (bool, error) {
	held, err := l.store.ExpireIfEquals(ctx, l.keys.TopicLeader(topic), l.instanceID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("renew lease for %s: %w", topic, err)
	}
	return held, nil
}

// Release deletes the lease only if this instance still holds it.
func (l *Leases) Release(ctx context.Context, topic string) error {
	if _, err := l.store.DelIfEquals(ctx, l.keys.TopicLeader(topic), l.instanceID); err != nil {
		return fmt.Errorf("release lease for %s: %w", topic, err)
	}
	return nil
}

// Holder returns the instance currently holding the lease for topic.
func (l *Leases) Holder(ctx context.Context, topic string) (string, bool, error) {
	return l.store.Get(ctx, l.keys.TopicLeader(topic))
}
