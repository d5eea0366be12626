package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBucket(start time.Time) (*TokenBucket, *time.Time) {
	current := start
	bucket := NewTokenBucket()
	bucket.now = func() time.Time { return current }
	return bucket, &current
}

func TestTokenBucketStartsFull(t *testing.T) {
	bucket, _ := newTestBucket(time.Now())
	require.InDelta(t, 50.0, bucket.GetTokens(0), 1e-9)
	require.True(t, bucket.HasTokens(0))
}

func TestTokenBucketConsume(t *testing.T) {
	bucket, _ := newTestBucket(time.Now())

	for i := 0; i < 50; i++ {
		require.True(t, bucket.Consume(0))
	}
	require.False(t, bucket.Consume(0))
	require.False(t, bucket.HasTokens(0))
}

func TestTokenBucketFractionalRegeneration(t *testing.T) {
	bucket, clock := newTestBucket(time.Now())
	for i := 0; i < 50; i++ {
		require.True(t, bucket.Consume(0))
	}

	// 6 per minute: a token every ten seconds.
	*clock = clock.Add(5 * time.Second)
	require.False(t, bucket.HasTokens(0))

	*clock = clock.Add(5 * time.Second)
	require.True(t, bucket.HasTokens(0))
	require.InDelta(t, 1.0, bucket.GetTokens(0), 1e-6)

	*clock = clock.Add(time.Minute)
	require.InDelta(t, 7.0, bucket.GetTokens(0), 1e-6)
}

func TestTokenBucketRegenerationCapped(t *testing.T) {
	bucket, clock := newTestBucket(time.Now())
	require.True(t, bucket.Consume(0))

	*clock = clock.Add(24 * time.Hour)
	require.InDelta(t, 50.0, bucket.GetTokens(0), 1e-9)
}

func TestTokenBucketRefund(t *testing.T) {
	bucket, _ := newTestBucket(time.Now())
	require.True(t, bucket.Consume(0))
	require.True(t, bucket.Consume(0))

	bucket.Refund(0)
	require.InDelta(t, 49.0, bucket.GetTokens(0), 1e-9)

	// Refund never exceeds capacity.
	bucket.Refund(0)
	bucket.Refund(0)
	require.InDelta(t, 50.0, bucket.GetTokens(0), 1e-9)
}

func TestTokenBucketIndependentAccounts(t *testing.T) {
	bucket, _ := newTestBucket(time.Now())
	require.True(t, bucket.Consume(0))
	require.InDelta(t, 49.0, bucket.GetTokens(0), 1e-9)
	require.InDelta(t, 50.0, bucket.GetTokens(1), 1e-9)
}
