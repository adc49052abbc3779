package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeakyBucketMode defines the operating mode of a leaky bucket limiter.
type LeakyBucketMode string

const (
	// Policing mode drops requests that exceed capacity (hard rejection).
	// This is the mode the Decision Façade's checkRateLimit dispatches
	// to for leaky_bucket.
	Policing LeakyBucketMode = "policing"
	// Shaping mode queues requests and assigns a processing delay. This
	// is a supplemental mode outside the core façade: it evaluates its
	// own script directly against Redis rather than going through the
	// Script Registry.
	Shaping LeakyBucketMode = "shaping"
)

// LeakyBucketResult extends Result with shaping-specific delay information.
type LeakyBucketResult struct {
	*Result
	Delay time.Duration // For shaping mode: how long to wait before processing.
}

// NewLeakyBucket creates a Leaky Bucket rate limiter.
// capacity is the bucket size. leakRate is tokens leaked per second.
// mode selects Policing (hard reject) or Shaping (queue with delay).
// Pass WithRedis or WithStore for distributed mode; omit for in-memory.
func NewLeakyBucket(capacity, leakRate int64, mode LeakyBucketMode, opts ...Option) (Limiter, error) {
	if capacity <= 0 || leakRate <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity and leakRate must be positive")
	}
	o := applyOptions(opts)

	if o.isRedis() {
		if mode == Shaping {
			if o.RedisClient == nil {
				return nil, fmt.Errorf("ratelimit: leaky bucket shaping mode requires WithRedis")
			}
			return &leakyBucketShapingRedis{
				redis:    o.RedisClient,
				capacity: capacity,
				leakRate: leakRate,
				opts:     o,
			}, nil
		}
		engine, err := newEngineFromOptions(o)
		if err != nil {
			return nil, err
		}
		return &leakyBucketRedis{
			engine:        engine,
			capacity:      capacity,
			windowSeconds: refillWindowSeconds(capacity, leakRate),
			opts:          o,
		}, nil
	}
	return &leakyBucketMemory{
		states:   make(map[string]*leakyBucketState),
		capacity: float64(capacity),
		leakRate: float64(leakRate),
		limit:    capacity,
		mode:     mode,
		opts:     o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type leakyBucketState struct {
	// policing
	level    float64
	lastLeak time.Time
	// shaping
	nextFree time.Time
}

type leakyBucketMemory struct {
	mu       sync.Mutex
	states   map[string]*leakyBucketState
	capacity float64
	leakRate float64
	limit    int64
	mode     LeakyBucketMode
	opts     *Options
}

func (l *leakyBucketMemory) getState(key string) *leakyBucketState {
	state, ok := l.states[key]
	if !ok {
		now := time.Now()
		state = &leakyBucketState{lastLeak: now, nextFree: now}
		l.states[key] = state
	}
	return state
}

func (l *leakyBucketMemory) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *leakyBucketMemory) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == Shaping {
		return l.allowShaping(key, n)
	}
	return l.allowPolicing(key, n)
}

func (l *leakyBucketMemory) allowPolicing(key string, n int) (*Result, error) {
	maxReq := l.opts.resolveLimit(key, l.limit)
	capacity := float64(maxReq)

	state := l.getState(key)
	now := time.Now()

	elapsed := now.Sub(state.lastLeak).Seconds()
	leaked := elapsed * l.leakRate
	state.level = math.Max(0, state.level-leaked)
	state.lastLeak = now

	cost := float64(n)
	if state.level+cost <= capacity {
		state.level += cost
		remaining := int64(math.Max(0, math.Floor(capacity-state.level)))
		return &Result{
			Allowed:   true,
			Remaining: remaining,
			Limit:     maxReq,
		}, nil
	}

	retryAfter := time.Duration(math.Ceil(cost/l.leakRate) * float64(time.Second))
	return &Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      maxReq,
		RetryAfter: retryAfter,
	}, nil
}

func (l *leakyBucketMemory) allowShaping(key string, n int) (*Result, error) {
	state := l.getState(key)
	now := time.Now()

	if state.nextFree.Before(now) {
		state.nextFree = now
	}

	delayDuration := state.nextFree.Sub(now).Seconds()
	queueDepth := delayDuration * l.leakRate
	cost := float64(n)

	if queueDepth+cost <= l.capacity {
		delay := time.Duration(delayDuration * float64(time.Second))
		state.nextFree = state.nextFree.Add(time.Duration(cost / l.leakRate * float64(time.Second)))
		queueDepth += cost
		remaining := int64(math.Max(0, math.Floor(l.capacity-queueDepth)))
		return &Result{
			Allowed:    true,
			Remaining:  remaining,
			Limit:      l.limit,
			RetryAfter: delay,
		}, nil
	}

	return &Result{
		Allowed:   false,
		Remaining: 0,
		Limit:     l.limit,
	}, nil
}

func (l *leakyBucketMemory) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.states, key)
	l.mu.Unlock()
	return nil
}

// ─── Redis, policing mode (via the Decision Façade) ──────────────────────────

type leakyBucketRedis struct {
	engine        *Engine
	capacity      int64
	windowSeconds int64
	opts          *Options
}

func (l *leakyBucketRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *leakyBucketRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n != 1 {
		return nil, fmt.Errorf("ratelimit: leaky bucket AllowN only supports n=1 in distributed mode")
	}
	limit := l.opts.resolveLimit(key, l.capacity)
	res, err := l.engine.CheckRateLimit(ctx, key, limit, l.windowSeconds, LeakyBucketStrategy)
	if err != nil {
		if l.opts.FailOpen {
			return &Result{Allowed: true, Remaining: limit - 1, Limit: limit}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: limit}, err
	}
	return res, nil
}

func (l *leakyBucketRedis) Reset(ctx context.Context, key string) error {
	return l.engine.DeleteRateLimit(ctx, key)
}

// ─── Redis, shaping mode (supplemental, direct script) ───────────────────────

var luaShaping = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local next_free = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  next_free = tonumber(fields['next_free']) or now
end

if next_free < now then
  next_free = now
end

local delay = next_free - now
local queue_depth = delay * leak_rate

local allowed = 0
local remaining = math.max(0, math.floor(capacity - queue_depth))
local delay_ms = 0

if queue_depth + cost <= capacity then
  delay_ms = math.floor(delay * 1000)
  next_free = next_free + (cost / leak_rate)
  allowed = 1
  queue_depth = queue_depth + cost
  remaining = math.max(0, math.floor(capacity - queue_depth))
end

redis.call('HSET', key, 'next_free', tostring(next_free))
redis.call('EXPIRE', key, math.ceil(capacity / leak_rate) + 1)

return { allowed, remaining, delay_ms }
`)

type leakyBucketShapingRedis struct {
	redis    redis.UniversalClient
	capacity int64
	leakRate int64
	opts     *Options
}

func (l *leakyBucketShapingRedis) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *leakyBucketShapingRedis) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	fullKey := l.opts.FormatKey(key)
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := luaShaping.Run(ctx, l.redis, []string{fullKey},
		l.capacity,
		l.leakRate,
		now,
		n,
	).Int64Slice()
	if err != nil {
		if l.opts.FailOpen {
			return &Result{Allowed: true, Remaining: l.capacity - 1, Limit: l.capacity}, nil
		}
		return &Result{Allowed: false, Remaining: 0, Limit: l.capacity}, fmt.Errorf("ratelimit: redis error: %w", err)
	}

	allowed := result[0] == 1
	remaining := result[1]

	r := &Result{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     l.capacity,
	}
	if allowed {
		delayMs := result[2]
		r.RetryAfter = time.Duration(delayMs) * time.Millisecond
	}
	return r, nil
}

func (l *leakyBucketShapingRedis) Reset(ctx context.Context, key string) error {
	fullKey := l.opts.FormatKey(key)
	return l.redis.Del(ctx, fullKey).Err()
}
