// Package memory provides an in-memory implementation of store.Store.
//
// It does NOT support Lua scripting (Eval/EvalSha/ScriptLoad return
// ErrScriptNotSupported): the decision engine's script-backed algorithms
// require a store with real atomic scripting, by design (the engine does
// not offer a local-only limiting mode — state must live in a shared
// store). This implementation exists for exercising the script-free
// surface of store.Store: the Quota Inspector's Get/HGetAll/Del/Scan paths,
// and as a fake in unit tests.
//
//	s := memory.New()
//	defer s.Close()
package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ratelimitd/engine/store"
)

// Store implements store.Store with in-memory state.
// All operations are thread-safe.
type Store struct {
	mu      sync.Mutex
	data    map[string]entry
	hashes  map[string]map[string]string
	sorted  map[string][]sortedEntry
	ttls    map[string]time.Time
	closed  bool
	closeCh chan struct{}
}

type entry struct {
	value string
}

type sortedEntry struct {
	score  float64
	member string
}

// New creates a new in-memory Store.
func New() *Store {
	s := &Store{
		data:    make(map[string]entry),
		hashes:  make(map[string]map[string]string),
		sorted:  make(map[string][]sortedEntry),
		ttls:    make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, exp := range s.ttls {
		if now.After(exp) {
			s.purgeLocked(k)
		}
	}
}

func (s *Store) purgeLocked(key string) {
	delete(s.data, key)
	delete(s.hashes, key)
	delete(s.sorted, key)
	delete(s.ttls, key)
}

func (s *Store) expiredLocked(key string) bool {
	exp, ok := s.ttls[key]
	return ok && time.Now().After(exp)
}

func (s *Store) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, &store.ErrScriptNotSupported{}
}

func (s *Store) EvalSha(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, &store.ErrScriptNotSupported{}
}

func (s *Store) ScriptLoad(_ context.Context, _ string) (string, error) {
	return "", &store.ErrScriptNotSupported{}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		s.purgeLocked(key)
	}
	e, ok := s.data[key]
	if !ok {
		return "", &store.ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = entry{value: value}
	if ttl > 0 {
		s.ttls[key] = time.Now().Add(ttl)
	} else {
		delete(s.ttls, key)
	}
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.purgeLocked(k)
	}
	return nil
}

func (s *Store) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		s.purgeLocked(key)
	}
	e, ok := s.data[key]
	if !ok {
		s.data[key] = entry{value: fmt.Sprintf("%d", n)}
		return n, nil
	}

	var current int64
	fmt.Sscanf(e.value, "%d", &current)
	current += n
	e.value = fmt.Sprintf("%d", current)
	s.data[key] = e
	return current, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.existsLocked(key) {
		return nil
	}
	s.ttls[key] = time.Now().Add(ttl)
	return nil
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.data[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.sorted[key]; ok {
		return true
	}
	return false
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		s.purgeLocked(key)
		return -2 * time.Second, nil
	}
	if !s.existsLocked(key) {
		return -2 * time.Second, nil
	}
	exp, ok := s.ttls[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return time.Until(exp), nil
}

// Scan returns all in-memory keys matching pattern (glob syntax, as per
// filepath.Match) in a single step; cursor is ignored beyond the
// zero-means-start/zero-means-done convention since there is no
// server-side iteration state to resume.
func (s *Store) Scan(_ context.Context, cursor uint64, pattern string, _ int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor != 0 {
		return nil, 0, nil
	}

	seen := make(map[string]struct{})
	var keys []string
	collect := func(k string) {
		if s.expiredLocked(k) {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		ok, err := filepath.Match(pattern, k)
		if err == nil && ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range s.data {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.sorted {
		collect(k)
	}
	return keys, 0, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HSet(_ context.Context, key string, values ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := fmt.Sprintf("%v", values[i])
		value := fmt.Sprintf("%v", values[i+1])
		h[field] = value
	}
	return nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sorted[key]
	// Remove existing member
	for i, e := range entries {
		if e.member == member {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	entries = append(entries, sortedEntry{score: score, member: member})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score < entries[j].score
	})
	s.sorted[key] = entries
	return nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sorted[key])), nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key, min, max string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var minF, maxF float64
	fmt.Sscanf(min, "%f", &minF)
	fmt.Sscanf(max, "%f", &maxF)

	entries := s.sorted[key]
	filtered := entries[:0]
	for _, e := range entries {
		if e.score < minF || e.score > maxF {
			filtered = append(filtered, e)
		}
	}
	s.sorted[key] = filtered
	return nil
}

func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]store.ZEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sorted[key]
	n := int64(len(entries))
	if n == 0 {
		return nil, nil
	}

	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}

	result := make([]store.ZEntry, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		result = append(result, store.ZEntry{
			Score:  entries[i].score,
			Member: entries[i].member,
		})
	}
	return result, nil
}

func (s *Store) Pipeline() store.Pipeline {
	return &memoryPipeline{store: s}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

// ─── Pipeline ────────────────────────────────────────────────────────────────

type memoryPipeline struct {
	store *Store
	ops   []func(context.Context)
}

func (p *memoryPipeline) ZAdd(_ context.Context, key string, score float64, member string) {
	p.ops = append(p.ops, func(ctx context.Context) {
		p.store.ZAdd(ctx, key, score, member)
	})
}

func (p *memoryPipeline) Expire(_ context.Context, key string, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context) {
		p.store.Expire(ctx, key, ttl)
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) error {
	for _, op := range p.ops {
		op(ctx)
	}
	return nil
}
