package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryClientCapStoreIncrements(t *testing.T) {
	s := NewInMemoryClientCapStore()
	ctx := context.Background()

	n1, err := s.Increment(ctx, "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)

	n2, err := s.Increment(ctx, "1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2)

	n3, err := s.Increment(ctx, "5.6.7.8", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n3)
}

func TestHTTPLimiterAllowsThenBlocks(t *testing.T) {
	l := NewHTTPLimiter(1, 1)
	lim := l.limiterFor("9.9.9.9")
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}
