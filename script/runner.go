package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/ratelimitd/engine/store"
)

// Runner evaluates named scripts atomically against a store, following
// the EVALSHA-by-digest / NOSCRIPT-reload / cold-start-EVAL protocol.
// The digest table is process-local and safe for concurrent callers: a
// lost update on replacement is benign because every producer computes
// the same digest for the same source.
type Runner struct {
	store    store.Store
	registry *Registry

	mu      sync.RWMutex
	digests map[string]string
}

// NewRunner builds a Runner over store using the scripts in registry.
// The digest table starts empty; call Preload to populate it eagerly
// (normally done once the store signals it is ready), or let the first
// call to Run heal it lazily.
func NewRunner(s store.Store, registry *Registry) *Runner {
	return &Runner{
		store:    s,
		registry: registry,
		digests:  make(map[string]string),
	}
}

// Preload loads every script in the registry into the store's script
// cache and records the resulting digests. It is meant to run on every
// "store ready" transition. Per-script failures are returned in the
// errs map rather than aborting the whole preload; callers should log
// them and continue — the fallback path in Run heals the cache on
// first use regardless.
func (r *Runner) Preload(ctx context.Context) (errs map[string]error) {
	errs = make(map[string]error)
	for _, name := range r.registry.Names() {
		source, _ := r.registry.Source(name)
		sha, err := r.store.ScriptLoad(ctx, source)
		if err != nil {
			errs[name] = err
			continue
		}
		r.setDigest(name, sha)
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Run evaluates the named script atomically with keys and args, and
// returns the store's raw reply.
func (r *Runner) Run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	source, ok := r.registry.Source(name)
	if !ok {
		return nil, fmt.Errorf("script: unknown script %q", name)
	}

	digest, cached := r.digest(name)
	if !cached {
		// Cold start or reconnect-in-progress: no digest to try. Evaluate
		// the full source; the store caches it as a side effect.
		return r.store.Eval(ctx, source, keys, args...)
	}

	reply, err := r.store.EvalSha(ctx, digest, keys, args...)
	if err == nil {
		return reply, nil
	}
	if !store.IsNoScript(err) {
		return nil, err
	}

	// Digest went stale (store restarted, flushed its script cache, or
	// failed over to a replica that never saw it): reload once and retry.
	newDigest, loadErr := r.store.ScriptLoad(ctx, source)
	if loadErr != nil {
		return nil, loadErr
	}
	r.setDigest(name, newDigest)
	return r.store.EvalSha(ctx, newDigest, keys, args...)
}

func (r *Runner) digest(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.digests[name]
	return d, ok
}

func (r *Runner) setDigest(name, sha string) {
	r.mu.Lock()
	r.digests[name] = sha
	r.mu.Unlock()
}
