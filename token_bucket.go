package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// NewTokenBucket creates a Token Bucket rate limiter.
// capacity is the maximum number of tokens (burst size).
// refillRate is the number of tokens added per second.
// Pass WithRedis or WithStore for distributed mode; omit for in-memory.
//
// In distributed mode, refill is quantized to whole elapsed seconds
// (floor(elapsedMs/1000) * refillRate) rather than continuously
// accrued: a flood of sub-second calls cannot fractionally refill
// between calls and inflate admissions.
func NewTokenBucket(capacity, refillRate int64, opts ...Option) (Limiter, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity and refillRate must be positive")
	}
	o := applyOptions(opts)

	if o.isRedis() {
		engine, err := newEngineFromOptions(o)
		if err != nil {
			return nil, err
		}
		return &tokenBucketRedis{
			engine:     engine,
			capacity:   capacity,
			windowSecs: refillWindowSeconds(capacity, refillRate),
			opts:       o,
		}, nil
	}
	return &tokenBucketMemory{
		states:     make(map[string]*tokenBucketState),
		capacity:   capacity,
		refillRate: refillRate,
		opts:       o,
	}, nil
}

// refillWindowSeconds picks the windowSeconds parameter the Token Bucket
// script expects such that limit/windowSeconds reproduces refillRate
// (tokens added per second) exactly: windowSeconds = capacity/refillRate.
func refillWindowSeconds(capacity, refillRate int64) int64 {
	w := capacity / refillRate
	if w < 1 {
		w = 1
	}
	return w
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type tokenBucketState struct {
	tokens     float64
	lastRefill time.Time
}

type tokenBucketMemory struct {
	mu         sync.Mutex
	states     map[string]*tokenBucketState
	capacity   int64
	refillRate int64
	opts       *Options
}

func (t *tokenBucketMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

func (t *tokenBucketMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxReq := t.opts.resolveLimit(key, t.capacity)

	state, ok := t.states[key]
	if !ok {
		state = &tokenBucketState{
			tokens:     float64(maxReq),
			lastRefill: time.Now(),
		}
		t.states[key] = state
	}

	now := time.Now()
	elapsed := now.Sub(state.lastRefill).Seconds()
	state.tokens = math.Min(float64(maxReq), state.tokens+elapsed*float64(t.refillRate))
	state.lastRefill = now

	cost := float64(n)
	if state.tokens >= cost {
		state.tokens -= cost
		remaining := int64(math.Floor(state.tokens))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
		}, nil
	}

	deficit := cost - state.tokens
	retryAfter := time.Duration(math.Ceil(deficit/float64(t.refillRate)) * float64(time.Second))
	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: retryAfter,
	}, nil
}

func (t *tokenBucketMemory) Reset(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
	return nil
}

// ─── Redis (via the Decision Façade) ─────────────────────────────────────────

type tokenBucketRedis struct {
	engine     *Engine
	capacity   int64
	windowSecs int64
	opts       *Options
}

func (t *tokenBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowN(ctx, key, 1)
}

// AllowN supports only n=1: the token bucket script takes exactly one
// token per call, so any other n is rejected with an error rather than
// silently approximated.
func (t *tokenBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n != 1 {
		return nil, fmt.Errorf("ratelimit: token bucket AllowN only supports n=1 in distributed mode")
	}
	limit := t.opts.resolveLimit(key, t.capacity)
	res, err := t.engine.CheckRateLimit(ctx, key, limit, t.windowSecs, TokenBucketStrategy)
	if err != nil {
		if t.opts.FailOpen {
			return &Result{Allowed: true, Remaining: limit - 1, Limit: limit}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: limit}, err
	}
	return res, nil
}

func (t *tokenBucketRedis) Reset(ctx context.Context, key string) error {
	return t.engine.DeleteRateLimit(ctx, key)
}
