// Package coord defines the coordination store that relay instances share.
//
// A Store offers the small set of primitives the relay needs to coordinate
// work across processes: expiring keys with conditional writes, capped lists,
// a sorted set used as a liveness directory and fan-out pub/sub channels.
// Implementations live in the memorycoord (single process) and rediscoord
// (shared) packages and are exercised by the coordtest conformance suite.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("coordination store closed")

// Store is the coordination capability used by the relay. All operations are
// safe for concurrent use.
type Store interface {
	// Get returns the value stored at key. The boolean is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value at key. A ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value at key only when the key is absent. It reports
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// TTL reports the remaining lifetime of key. It returns 0 and false when
	// the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// ExpireIfEquals atomically resets the ttl of key when it currently holds
	// value. It reports whether the ttl was reset.
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DelIfEquals atomically deletes key when it currently holds value.
	DelIfEquals(ctx context.Context, key, value string) (bool, error)
	// Move atomically re-homes the value stored at src to dst, replacing its
	// content with value and keeping the remaining ttl of src. It reports
	// false when src no longer exists.
	Move(ctx context.Context, src, dst, value string) (bool, error)
	// Keys returns every live key matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// AppendCapped appends value to the list at key, trims it to its newest
	// maxLen entries and refreshes the ttl of the whole list as one atomic
	// operation.
	AppendCapped(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	// LRange returns list entries between start and stop inclusive. Negative
	// indexes count from the tail, as in Redis.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)

	// ZAdd sets the score of member in the sorted set at key.
	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key, member string) error
	// ZRangeByScore returns members with min <= score <= max in ascending
	// score order.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for channel. The subscription is active
	// when Subscribe returns. Messages are delivered sequentially per
	// subscription; a handler error is reported by the implementation and
	// does not end the subscription.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)

	// Close releases resources held by the store.
	Close() error
}

// MessageHandler receives payloads published on a channel.
type MessageHandler func(ctx context.Context, payload []byte) error

// Subscription is an active channel subscription.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}
