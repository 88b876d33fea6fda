package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/crawlkit/internal/config"
)

func TestNewHostLimiter_DisabledIsNil(t *testing.T) {
	l := NewHostLimiter(config.RateLimitConfig{})
	assert.Nil(t, l)
	// A nil limiter never blocks.
	assert.NoError(t, l.Wait(context.Background(), "example.com"))
}

func TestHostLimiter_Delay(t *testing.T) {
	l := NewHostLimiter(config.RateLimitConfig{Delay: 60 * time.Millisecond})
	require.NotNil(t, l)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "EXAMPLE.com"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "same host, case-insensitively, must wait")

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "other.example"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "a different host is not held back")
}

func TestHostLimiter_TokenBucket(t *testing.T) {
	l := NewHostLimiter(config.RateLimitConfig{Requests: 2, Window: 200 * time.Millisecond})
	require.NotNil(t, l)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "a.test"))
	require.NoError(t, l.Wait(ctx, "a.test"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "the burst is available immediately")

	require.NoError(t, l.Wait(ctx, "a.test"))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "the third request waits for a token")
}

func TestHostLimiter_ContextCancelled(t *testing.T) {
	l := NewHostLimiter(config.RateLimitConfig{Delay: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "slow.test"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow.test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostLimiter_EmptyHost(t *testing.T) {
	l := NewHostLimiter(config.RateLimitConfig{Delay: time.Hour})
	assert.NoError(t, l.Wait(context.Background(), ""))
	assert.NoError(t, l.Wait(context.Background(), ""))
}
