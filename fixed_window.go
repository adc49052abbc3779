package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewFixedWindow creates a Fixed Window rate limiter adapting the
// Decision Façade's FixedWindowRateLimit operation to the Limiter
// interface: Allow/AllowN report allowed=true while current <= maxRequests
// and false once the window is exhausted, with no punishment beyond a
// silent reset at the window boundary. For the exponential-backoff and
// continue-exceeding punishment modes, call FixedWindowRateLimit on an
// *Engine directly.
// Pass WithRedis or WithStore for distributed mode; omit for in-memory.
func NewFixedWindow(maxRequests, windowSeconds int64, opts ...Option) (Limiter, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, fmt.Errorf("ratelimit: maxRequests and windowSeconds must be positive")
	}
	o := applyOptions(opts)

	if o.isRedis() {
		engine, err := newEngineFromOptions(o)
		if err != nil {
			return nil, err
		}
		return &fixedWindowRedis{
			engine:        engine,
			maxRequests:   maxRequests,
			windowSeconds: windowSeconds,
			opts:          o,
		}, nil
	}
	return &fixedWindowMemory{
		states:        make(map[string]*fixedWindowState),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		opts:          o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type fixedWindowState struct {
	requests    int64
	windowStart time.Time
}

type fixedWindowMemory struct {
	mu            sync.Mutex
	states        map[string]*fixedWindowState
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (f *fixedWindowMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return f.AllowN(ctx, key, 1)
}

func (f *fixedWindowMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	maxReq := f.opts.resolveLimit(key, f.maxRequests)

	state, ok := f.states[key]
	if !ok {
		state = &fixedWindowState{windowStart: time.Now()}
		f.states[key] = state
	}

	now := time.Now()
	windowDuration := time.Duration(f.windowSeconds) * time.Second
	if now.Sub(state.windowStart) >= windowDuration {
		state.windowStart = now
		state.requests = 0
	}

	cost := int64(n)
	if state.requests+cost <= maxReq {
		state.requests += cost
		remaining := maxReq - state.requests
		resetAt := state.windowStart.Add(windowDuration)
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
			ResetAt:   resetAt,
		}, nil
	}

	resetAt := state.windowStart.Add(windowDuration)
	retryAfter := time.Until(resetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

func (f *fixedWindowMemory) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.states, key)
	f.mu.Unlock()
	return nil
}

// ─── Redis (via the Decision Façade) ─────────────────────────────────────────

type fixedWindowRedis struct {
	engine        *Engine
	maxRequests   int64
	windowSeconds int64
	opts          *Options
}

func (f *fixedWindowRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return f.AllowN(ctx, key, 1)
}

// AllowN calls FixedWindowRateLimit with both punishment modes off
// (silent reset): the key's TTL re-arms to the base window on the call
// that takes current back to 1, and every call in between reports the
// residual TTL as its reset time.
func (f *fixedWindowRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n != 1 {
		return nil, fmt.Errorf("ratelimit: fixed window AllowN only supports n=1 in distributed mode")
	}
	maxReq := f.opts.resolveLimit(key, f.maxRequests)
	fw, err := f.engine.FixedWindowRateLimit(ctx, key, time.Duration(f.windowSeconds)*time.Second, maxReq, false, false)
	if err != nil {
		if f.opts.FailOpen {
			return &Result{Allowed: true, Remaining: maxReq - 1, Limit: maxReq}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: maxReq}, err
	}

	allowed := fw.Current <= maxReq
	remaining := maxReq - fw.Current
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Now().Add(fw.TimeWindow)
	var retryAfter time.Duration
	if !allowed {
		retryAfter = fw.TimeWindow
	}

	return &Result{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      maxReq,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

func (f *fixedWindowRedis) Reset(ctx context.Context, key string) error {
	return f.engine.DeleteRateLimit(ctx, key)
}
