// Package script loads the engine's Lua scripts and runs them atomically
// against a shared store, healing its digest cache across store restarts.
package script

import (
	"embed"
	"fmt"
	"io/fs"
)

// Logical script names. These are the keys the Registry and Runner use;
// they are independent of the on-disk file names.
const (
	RateLimit     = "rateLimit"
	TokenBucket   = "tokenBucket"
	SlidingWindow = "slidingWindow"
	LeakyBucket   = "leakyBucket"
)

var fileNames = map[string]string{
	RateLimit:     "rate-limit.lua",
	TokenBucket:   "token-bucket.lua",
	SlidingWindow: "sliding-window.lua",
	LeakyBucket:   "leaky-bucket.lua",
}

//go:embed scripts/*.lua
var defaultScripts embed.FS

// DefaultFS is the filesystem the Registry loads from when no explicit
// fs.FS is supplied: the four built-in scripts compiled into the binary.
func DefaultFS() fs.FS {
	sub, err := fs.Sub(defaultScripts, "scripts")
	if err != nil {
		// defaultScripts is embedded at build time from a directory this
		// package controls; a missing "scripts" subtree means the binary
		// itself is broken.
		panic("script: embedded scripts directory missing: " + err.Error())
	}
	return sub
}

// Registry holds the source text of the four named scripts, loaded once
// at startup. It is immutable for the process lifetime.
type Registry struct {
	sources map[string]string
}

// NewRegistry loads rateLimit, tokenBucket, slidingWindow, and leakyBucket
// from fsys. A missing script is a fatal startup failure.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	sources := make(map[string]string, len(fileNames))
	for name, file := range fileNames {
		b, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("script: load %q (file %q): %w", name, file, err)
		}
		sources[name] = string(b)
	}
	return &Registry{sources: sources}, nil
}

// NewDefaultRegistry loads the four scripts built into the binary.
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultFS())
}

// Source returns the source text for name, and whether it was found.
func (r *Registry) Source(name string) (string, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Names returns the logical names the registry knows about.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	return names
}
