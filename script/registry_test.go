package script_test

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratelimitd/engine/script"
)

func TestNewDefaultRegistry(t *testing.T) {
	reg, err := script.NewDefaultRegistry()
	require.NoError(t, err)

	for _, name := range []string{script.RateLimit, script.TokenBucket, script.SlidingWindow, script.LeakyBucket} {
		src, ok := reg.Source(name)
		assert.Truef(t, ok, "expected source for %q", name)
		assert.NotEmpty(t, src)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg, err := script.NewDefaultRegistry()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		script.RateLimit, script.TokenBucket, script.SlidingWindow, script.LeakyBucket,
	}, reg.Names())
}

func TestRegistry_MissingScript(t *testing.T) {
	fsys := fstest.MapFS{
		"token-bucket.lua":   &fstest.MapFile{Data: []byte("return 1")},
		"sliding-window.lua": &fstest.MapFile{Data: []byte("return 1")},
		"leaky-bucket.lua":   &fstest.MapFile{Data: []byte("return 1")},
		// rate-limit.lua deliberately absent
	}

	_, err := script.NewRegistry(fs.FS(fsys))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rateLimit")
}

func TestRegistry_UnknownName(t *testing.T) {
	reg, err := script.NewDefaultRegistry()
	require.NoError(t, err)

	_, ok := reg.Source("not-a-real-script")
	assert.False(t, ok)
}
