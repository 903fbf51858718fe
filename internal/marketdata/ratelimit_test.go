package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterAllow(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	l := newWindowLimiter(time.Minute, 3)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// A new window frees the counter.
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow())
}

func TestWindowLimiterWaitBlocksUntilReset(t *testing.T) {
	l := newWindowLimiter(50*time.Millisecond, 1)

	blocked, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, blocked)

	start := time.Now()
	blocked, err = l.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWindowLimiterWaitHonorsCancellation(t *testing.T) {
	l := newWindowLimiter(time.Hour, 1)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTTLCache(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	c := newTTLCache(time.Minute)
	c.now = func() time.Time { return now }

	_, ok := c.Get("AAPL")
	assert.False(t, ok)

	c.Put(tick("AAPL", 180))
	tk, ok := c.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 180.0, tk.Price)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("AAPL")
	assert.False(t, ok)
}
