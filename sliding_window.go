package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewSlidingWindow creates a Sliding Window Log rate limiter.
// maxRequests is the maximum requests allowed per window.
// windowSeconds is the window duration in seconds.
// Note: this algorithm stores every request timestamp and has O(n) memory per key.
// For high-throughput keys, prefer NewSlidingWindowCounter.
// Pass WithRedis or WithStore for distributed mode; omit for in-memory.
//
// In distributed mode, two admitted requests landing in the same
// millisecond collapse into one ordered-set member (the timestamp is
// both score and member), undercounting by one per collision. This is
// a deliberate, pinned choice rather than a bug: see the package design
// notes on the sliding-window collision open question.
func NewSlidingWindow(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, fmt.Errorf("ratelimit: maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.isRedis() {
		engine, err := newEngineFromOptions(o)
		if err != nil {
			return nil, err
		}
		return &slidingWindowRedis{
			engine:        engine,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &slidingWindowMemory{
		states:        make(map[string]*slidingWindowState),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type slidingWindowState struct {
	timestamps []time.Time
}

type slidingWindowMemory struct {
	mu            sync.Mutex
	states        map[string]*slidingWindowState
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxReq := s.opts.resolveLimit(key, s.maxRequests)

	state, ok := s.states[key]
	if !ok {
		state = &slidingWindowState{}
		s.states[key] = state
	}

	now := time.Now()
	windowDuration := time.Duration(s.windowSeconds) * time.Second

	cutoff := 0
	for cutoff < len(state.timestamps) && now.Sub(state.timestamps[cutoff]) > windowDuration {
		cutoff++
	}
	state.timestamps = state.timestamps[cutoff:]

	cost := int64(n)
	if int64(len(state.timestamps))+cost <= maxReq {
		for i := 0; i < n; i++ {
			state.timestamps = append(state.timestamps, now)
		}
		remaining := maxReq - int64(len(state.timestamps))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
		}, nil
	}

	var retryAfter time.Duration
	if len(state.timestamps) > 0 {
		oldest := state.timestamps[0]
		expiresAt := oldest.Add(windowDuration)
		retryAfter = time.Until(expiresAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: retryAfter,
	}, nil
}

func (s *slidingWindowMemory) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

// ─── Redis (via the Decision Façade) ─────────────────────────────────────────

type slidingWindowRedis struct {
	engine        *Engine
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (s *slidingWindowRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *slidingWindowRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n != 1 {
		return nil, fmt.Errorf("ratelimit: sliding window AllowN only supports n=1 in distributed mode")
	}
	limit := s.opts.resolveLimit(key, s.maxRequests)
	res, err := s.engine.CheckRateLimit(ctx, key, limit, s.windowSeconds, SlidingWindowStrategy)
	if err != nil {
		if s.opts.FailOpen {
			return &Result{Allowed: true, Remaining: limit - 1, Limit: limit}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: limit}, err
	}
	return res, nil
}

func (s *slidingWindowRedis) Reset(ctx context.Context, key string) error {
	return s.engine.DeleteRateLimit(ctx, key)
}
