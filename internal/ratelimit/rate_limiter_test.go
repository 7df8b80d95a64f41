package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAllowsWithinWindow(t *testing.T) {
	l := &Local{windows: make(map[string]*rateLimitWindow)}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "key1", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d should be allowed", i)
	}

	ok, err := l.Allow(ctx, "key1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "6th attempt should exceed max of 5")
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := &Local{windows: make(map[string]*rateLimitWindow)}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "a", 3, time.Minute)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "b", 3, time.Minute)
	assert.True(t, ok, "a separate key should have its own counter")
}

func TestLocalWindowResetsAfterExpiry(t *testing.T) {
	l := &Local{windows: make(map[string]*rateLimitWindow)}
	l.windows["key1"] = &rateLimitWindow{count: 10, windowStart: time.Now().Add(-2 * time.Minute)}

	ok, err := l.Allow(context.Background(), "key1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired window should reset rather than carry its stale count forward")
}
