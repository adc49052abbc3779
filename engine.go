package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ratelimitd/engine/script"
	"github.com/ratelimitd/engine/store"
)

// Strategy selects one of the three interchangeable algorithms dispatched
// by CheckRateLimit. It is a closed set; FixedWindowRateLimit is a
// separate operation because its reply shape differs.
type Strategy string

const (
	TokenBucketStrategy   Strategy = "token_bucket"
	SlidingWindowStrategy Strategy = "sliding_window"
	LeakyBucketStrategy   Strategy = "leaky_bucket"
)

// FixedWindowResult is the reply envelope for FixedWindowRateLimit.
type FixedWindowResult struct {
	Current    int64
	TimeWindow time.Duration
}

// QuotaStatus is the reply envelope for GetQuotaStatus.
type QuotaStatus struct {
	Remaining int64
	Total     int64
}

// Engine is the rate-limit decision engine: the Decision Façade
// (CheckRateLimit, FixedWindowRateLimit) and the Quota Inspector
// (GetQuotaStatus, DeleteRateLimit, ScanKeys) described by its exported
// methods. It owns a shared store connection, the Script Registry, and
// the Atomic Script Runner; it holds no per-bucket state of its own, so
// it is safe under unbounded concurrent callers.
type Engine struct {
	store   store.Store
	runner  *script.Runner
	logger  Logger
	emitter Emitter
	opts    *Options

	// redisClient is set only when the engine was constructed with
	// WithRedis directly; it backs CheckRateLimitExt's supplemental
	// algorithms, which predate the store.Store abstraction and still
	// talk to Redis directly.
	redisClient redis.UniversalClient
}

// NewEngine builds an Engine. One of WithStore or WithRedis is required;
// a missing script at startup is a fatal ConfigurationError.
func NewEngine(opts ...Option) (*Engine, error) {
	o := applyOptions(opts)

	s := o.resolveStore()
	if s == nil {
		return nil, newConfigurationError("NewEngine requires WithStore or WithRedis")
	}

	fsys := o.ScriptFS
	if fsys == nil {
		fsys = script.DefaultFS()
	}
	registry, err := script.NewRegistry(fsys)
	if err != nil {
		return nil, newConfigurationError("%v", err)
	}

	logger := o.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	emitter := o.Emitter
	if emitter == nil {
		emitter = defaultEmitter()
	}

	runner := script.NewRunner(s, registry)
	if errs := runner.Preload(context.Background()); errs != nil {
		for name, loadErr := range errs {
			logger.Warn("script preload failed, will heal on first use", "script", name, "error", loadErr)
		}
	}

	return &Engine{
		store:       s,
		runner:      runner,
		logger:      logger,
		emitter:     emitter,
		opts:        o,
		redisClient: o.RedisClient,
	}, nil
}

// newEngineFromOptions builds an Engine reusing an already-resolved
// store.Store and the ambient settings of an Options value, for the
// per-algorithm Limiter constructors (NewTokenBucket, NewSlidingWindow,
// NewLeakyBucket, NewFixedWindow) that adapt the Decision Façade to the
// older per-algorithm Limiter interface.
func newEngineFromOptions(o *Options) (*Engine, error) {
	s := o.resolveStore()
	engineOpts := []Option{WithStore(s), WithKeyPrefix(o.KeyPrefix), WithFailOpen(o.FailOpen)}
	if o.HashTag {
		engineOpts = append(engineOpts, WithHashTag())
	}
	if o.Logger != nil {
		engineOpts = append(engineOpts, WithLogger(o.Logger))
	}
	if o.Emitter != nil {
		engineOpts = append(engineOpts, WithEmitter(o.Emitter))
	}
	if o.ScriptFS != nil {
		engineOpts = append(engineOpts, WithScriptFS(o.ScriptFS))
	}
	return NewEngine(engineOpts...)
}

// Emitter returns the engine's configured pub/sub emitter, so callers
// can publish their own events (e.g. a quota-violation notice) through
// it. The engine publishes nothing on its own.
func (e *Engine) Emitter() Emitter {
	return e.emitter
}

// Close releases the underlying store connection.
func (e *Engine) Close() error {
	return e.store.Close()
}

// CheckRateLimit dispatches to the algorithm named by strategy and
// returns a uniform verdict envelope. now is captured once per call so
// that any logging or retries downstream observe the same reference
// instant.
func (e *Engine) CheckRateLimit(ctx context.Context, key string, limit int64, windowSeconds int64, strategy Strategy) (*Result, error) {
	if limit <= 0 {
		return nil, newConfigurationError("limit must be positive, got %d", limit)
	}
	if windowSeconds <= 0 {
		return nil, newConfigurationError("windowSeconds must be positive, got %d", windowSeconds)
	}

	now := time.Now().UnixMilli()
	fullKey := e.opts.FormatKey(key)

	var scriptName string
	var argv []interface{}
	switch strategy {
	case TokenBucketStrategy:
		scriptName = script.TokenBucket
		argv = []interface{}{limit, windowSeconds, now}
	case SlidingWindowStrategy:
		scriptName = script.SlidingWindow
		argv = []interface{}{limit, windowSeconds * 1000, now}
	case LeakyBucketStrategy:
		scriptName = script.LeakyBucket
		argv = []interface{}{limit, windowSeconds, now}
	default:
		return nil, newConfigurationError("unknown strategy %q", strategy)
	}

	reply, err := e.runner.Run(ctx, scriptName, []string{fullKey}, argv...)
	if err != nil {
		return nil, e.translateErr(ctx, "CheckRateLimit", err)
	}

	vals, err := toInt64Slice(reply)
	if err != nil || len(vals) != 3 {
		return nil, newStoreError("CheckRateLimit", fmt.Errorf("unexpected script reply: %v", reply))
	}

	res := &Result{
		Allowed:   vals[0] == 1,
		Remaining: vals[1],
		Limit:     limit,
		ResetAt:   time.UnixMilli(vals[2]),
	}
	if !res.Allowed {
		if wait := time.Duration(vals[2]-now) * time.Millisecond; wait > 0 {
			res.RetryAfter = wait
		}
	}
	return res, nil
}

// FixedWindowRateLimit is a separate operation from CheckRateLimit because
// its reply shape differs: it always reports the post-increment counter
// alongside the window remaining, rather than an allow/deny verdict. The
// caller decides whether current > max means the request should be
// rejected.
func (e *Engine) FixedWindowRateLimit(ctx context.Context, key string, timeWindow time.Duration, max int64, continueExceeding, exponentialBackoff bool) (*FixedWindowResult, error) {
	if timeWindow <= 0 {
		return nil, newConfigurationError("timeWindow must be positive, got %s", timeWindow)
	}
	if max <= 0 {
		return nil, newConfigurationError("max must be positive, got %d", max)
	}

	fullKey := e.opts.FormatKey(key)
	ce, eb := "0", "0"
	if continueExceeding {
		ce = "1"
	}
	if exponentialBackoff {
		eb = "1"
	}

	reply, err := e.runner.Run(ctx, script.RateLimit, []string{fullKey},
		timeWindow.Milliseconds(), max, ce, eb)
	if err != nil {
		return nil, e.translateErr(ctx, "FixedWindowRateLimit", err)
	}

	vals, err := toInt64Slice(reply)
	if err != nil || len(vals) != 2 {
		return nil, newStoreError("FixedWindowRateLimit", fmt.Errorf("unexpected script reply: %v", reply))
	}

	return &FixedWindowResult{
		Current:    vals[0],
		TimeWindow: time.Duration(vals[1]) * time.Millisecond,
	}, nil
}

// GetQuotaStatus is a best-effort diagnostic: any store failure is
// swallowed into a zeroed status rather than propagated, since this path
// backs operational tooling, not the decision path.
//
// For sliding_window, remaining/total both report the current element
// cardinality. For token_bucket and leaky_bucket, remaining/total report
// the floor of the record's own occupancy field ("tokens" or "water"
// respectively, per the field names §3 of the record layout defines) —
// for leaky_bucket this is current water level, not spare capacity,
// since computing spare capacity needs the bucket's capacity and this
// operation intentionally takes none.
func (e *Engine) GetQuotaStatus(ctx context.Context, key string, strategy Strategy) *QuotaStatus {
	fullKey := e.opts.FormatKey(key)

	if strategy == SlidingWindowStrategy {
		n, err := e.store.ZCard(ctx, fullKey)
		if err != nil {
			return &QuotaStatus{}
		}
		return &QuotaStatus{Remaining: n, Total: n}
	}

	field := "tokens"
	if strategy == LeakyBucketStrategy {
		field = "water"
	}

	fields, err := e.store.HGetAll(ctx, fullKey)
	if err != nil {
		return &QuotaStatus{}
	}
	raw, ok := fields[field]
	if !ok {
		return &QuotaStatus{}
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return &QuotaStatus{}
	}
	n := int64(math.Floor(v))
	return &QuotaStatus{Remaining: n, Total: n}
}

// DeleteRateLimit unconditionally deletes all state for key.
func (e *Engine) DeleteRateLimit(ctx context.Context, key string) error {
	fullKey := e.opts.FormatKey(key)
	if err := e.store.Del(ctx, fullKey); err != nil {
		return e.translateErr(ctx, "DeleteRateLimit", err)
	}
	return nil
}

// ScanKeys iteratively scans the store for keys matching pattern, 100 at
// a time, until the cursor wraps to 0, and returns the full key list.
func (e *Engine) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var all []string
	var cursor uint64
	for {
		keys, next, err := e.store.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return nil, e.translateErr(ctx, "ScanKeys", err)
		}
		all = append(all, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return all, nil
}

func (e *Engine) translateErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &CancelledError{Err: ctx.Err()}
	}
	return newStoreError(op, err)
}

func toInt64Slice(reply interface{}) ([]int64, error) {
	arr, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("reply is not an array: %T", reply)
	}
	out := make([]int64, len(arr))
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported reply element type %T", v)
	}
}
