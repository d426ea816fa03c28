// Package memorycoord is an in-process implementation of coord.Store.
//
// It backs single-instance deployments and tests. Expiry is evaluated lazily
// against an injectable clock so that tests can move time forward without
// sleeping.
package memorycoord

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord"
	"github.com/google/btree"
)

type Option func(*Store)

// WithClock replaces time.Now as the source of time used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Store is an in-memory coord.Store.
type Store struct {
	now func() time.Time
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	data   map[string]*entry

	subsMu sync.RWMutex
	subs   map[string]map[*subscription]struct{}
}

type entry struct {
	expiresAt time.Time // zero means no expiry

	str  string
	list []string
	zset *sortedSet
}

func New(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		log:  slog.Default(),
		data: make(map[string]*entry),
		subs: make(map[string]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ coord.Store = (*Store)(nil)

// lookup returns the live entry at key, evicting it when expired. Callers
// must hold s.mu.
func (s *Store) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.list != nil || e.zset != nil {
		return "", false, nil
	}
	return e.str, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	s.data[key] = &entry{str: value, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	if s.lookup(key) != nil {
		return false, nil
	}
	s.data[key] = &entry{str: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return -1, true, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

func (s *Store) ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.str != value {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

func (s *Store) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.str != value {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *Store) Move(ctx context.Context, src, dst, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	e := s.lookup(src)
	if e == nil {
		return false, nil
	}
	delete(s.data, src)
	s.data[dst] = &entry{str: value, expiresAt: e.expiresAt}
	return true, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	var out []string
	for k := range s.data {
		if s.lookup(k) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AppendCapped(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil {
		e = &entry{list: []string{}}
		s.data[key] = e
	}
	e.list = append(e.list, value)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		trimmed := make([]string, maxLen)
		copy(trimmed, e.list[int64(len(e.list))-maxLen:])
		e.list = trimmed
	}
	e.expiresAt = s.deadline(ttl)
	return nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || len(e.list) == 0 {
		return nil, nil
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]string(nil), e.list[start:stop+1]...), nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.zset == nil {
		e = &entry{zset: newSortedSet()}
		s.data[key] = e
	}
	e.zset.add(member, score)
	return nil
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	if e := s.lookup(key); e != nil && e.zset != nil {
		e.zset.remove(member)
	}
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.zset == nil {
		return nil, nil
	}
	var out []string
	for _, it := range e.zset.rangeByScore(min, max) {
		out = append(out, it.member)
	}
	return out, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, coord.ErrClosed
	}
	e := s.lookup(key)
	if e == nil || e.zset == nil {
		return 0, nil
	}
	items := e.zset.rangeByScore(min, max)
	for _, it := range items {
		e.zset.remove(it.member)
	}
	return int64(len(items)), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	all := s.subs
	s.subs = make(map[string]map[*subscription]struct{})
	s.subsMu.Unlock()
	for _, set := range all {
		for sub := range set {
			sub.stop()
		}
	}
	return nil
}

// --- sorted set ---

type zitem struct {
	score  float64
	member string
}

func zless(a, b zitem) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.member < b.member
}

type sortedSet struct {
	tree    *btree.BTreeG[zitem]
	members map[string]float64
}

func newSortedSet() *sortedSet {
	return &sortedSet{tree: btree.NewG(8, zless), members: make(map[string]float64)}
}

func (z *sortedSet) add(member string, score float64) {
	if old, ok := z.members[member]; ok {
		z.tree.Delete(zitem{score: old, member: member})
	}
	z.members[member] = score
	z.tree.ReplaceOrInsert(zitem{score: score, member: member})
}

func (z *sortedSet) remove(member string) {
	if old, ok := z.members[member]; ok {
		z.tree.Delete(zitem{score: old, member: member})
		delete(z.members, member)
	}
}

func (z *sortedSet) rangeByScore(min, max float64) []zitem {
	var out []zitem
	z.tree.AscendGreaterOrEqual(zitem{score: min}, func(it zitem) bool {
		if it.score > max {
			return false
		}
		out = append(out, it)
		return true
	})
	return out
}
