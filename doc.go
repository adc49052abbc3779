// Package ratelimit provides production-grade rate limiting for Go with
// six algorithms, in-memory and Redis backends, and a drop-in net/http
// middleware.
//
// # Algorithms
//
//   - Fixed Window Counter — simple, fixed time intervals
//   - Sliding Window Log — precise, stores every timestamp
//   - Sliding Window Counter — weighted approximation, O(1) memory
//   - Token Bucket — steady refill, burst-friendly
//   - Leaky Bucket — constant drain, policing or shaping mode
//   - GCRA — virtual scheduling with sustained rate + burst
//
// # Quick Start
//
//	limiter, err := ratelimit.NewTokenBucket(100, 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := limiter.Allow(ctx, "user:123")
//	if result.Allowed {
//	    // serve request
//	}
//
// # With Redis
//
//	limiter, _ := ratelimit.NewTokenBucket(100, 10,
//	    ratelimit.WithRedis(redisClient),
//	)
//
// # Builder API
//
//	limiter, _ := ratelimit.NewBuilder().
//	    SlidingWindowCounter(100, 60*time.Second).
//	    Redis(client).
//	    Build()
//
// All algorithms implement the [Limiter] interface and return a [Result]
// with Allowed, Remaining, Limit, ResetAt, and RetryAfter fields.
package ratelimit
