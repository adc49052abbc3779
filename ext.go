package ratelimit

import "context"

// ExtStrategy names a supplemental algorithm reachable through
// CheckRateLimitExt. These sit outside the closed three-strategy enum
// CheckRateLimit dispatches over, so exposing them never blurs that
// contract; a caller who only knows about token_bucket, sliding_window,
// and leaky_bucket never needs to know this entry point exists.
type ExtStrategy string

const (
	// GCRAExt is the Generic Cell Rate Algorithm: virtual scheduling
	// with a sustained rate and a burst allowance.
	GCRAExt ExtStrategy = "gcra"

	// SlidingWindowCounterExt is the weighted-counter approximation of
	// the sliding window, with O(1) memory per key instead of the
	// sliding_window strategy's O(n) timestamp set.
	SlidingWindowCounterExt ExtStrategy = "sliding_window_counter"
)

// CheckRateLimitExt dispatches to a supplemental algorithm built on the
// same Options as the engine's core strategies, but outside the Script
// Registry: GCRA and the Sliding Window Counter predate the registry and
// still evaluate their own scripts directly against Redis, so this entry
// point requires the engine to have been constructed with WithRedis.
//
// For gcra, limit is the sustained rate per second and secondParam is
// the burst size. For sliding_window_counter, limit is maxRequests and
// secondParam is the window in seconds.
func (e *Engine) CheckRateLimitExt(ctx context.Context, key string, strategy ExtStrategy, limit, secondParam int64) (*Result, error) {
	if e.redisClient == nil {
		return nil, newConfigurationError("CheckRateLimitExt requires an engine constructed with WithRedis")
	}

	opts := []Option{WithRedis(e.redisClient), WithKeyPrefix(e.opts.KeyPrefix), WithFailOpen(e.opts.FailOpen)}
	if e.opts.HashTag {
		opts = append(opts, WithHashTag())
	}

	var lim Limiter
	var err error
	switch strategy {
	case GCRAExt:
		lim, err = NewGCRA(limit, secondParam, opts...)
	case SlidingWindowCounterExt:
		lim, err = NewSlidingWindowCounter(limit, secondParam, opts...)
	default:
		return nil, newConfigurationError("unknown ext strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	return lim.Allow(ctx, key)
}
