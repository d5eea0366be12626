package service

import (
	"sync"
	"time"
)

// Token bucket parameters: every account holds up to bucketMaxTokens request
// credits, regenerating continuously at bucketRefillPerMin per minute.
const (
	bucketMaxTokens    = 50.0
	bucketRefillPerMin = 6.0
)

type bucketState struct {
	tokens    float64
	updatedAt time.Time
}

// TokenBucket rate-limits request admission per account. Regeneration is
// continuous and fractional, so a drained account earns its next full token
// after ten seconds rather than at a minute boundary. In-memory only.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[int]*bucketState
	now     func() time.Time
}

func NewTokenBucket() *TokenBucket {
	return &TokenBucket{
		buckets: make(map[int]*bucketState),
		now:     time.Now,
	}
}

// GetTokens returns the current token balance for the account.
func (b *TokenBucket) GetTokens(index int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillLocked(index).tokens
}

// HasTokens reports whether the account can afford one request.
func (b *TokenBucket) HasTokens(index int) bool {
	return b.GetTokens(index) >= 1
}

// Consume atomically takes one token. Returns false without deducting when
// the balance is below one.
func (b *TokenBucket) Consume(index int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.refillLocked(index)
	if state.tokens < 1 {
		return false
	}
	state.tokens--
	return true
}

// Refund returns one token, capped at the maximum. Used when a consumed
// request never reached the upstream.
func (b *TokenBucket) Refund(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.refillLocked(index)
	state.tokens++
	if state.tokens > bucketMaxTokens {
		state.tokens = bucketMaxTokens
	}
}

// MaxTokens is the bucket capacity, exposed for score normalisation.
func (b *TokenBucket) MaxTokens() float64 {
	return bucketMaxTokens
}

func (b *TokenBucket) refillLocked(index int) *bucketState {
	now := b.now()
	state, ok := b.buckets[index]
	if !ok {
		state = &bucketState{tokens: bucketMaxTokens, updatedAt: now}
		b.buckets[index] = state
		return state
	}

	elapsed := now.Sub(state.updatedAt).Minutes()
	if elapsed > 0 {
		state.tokens += elapsed * bucketRefillPerMin
		if state.tokens > bucketMaxTokens {
			state.tokens = bucketMaxTokens
		}
	}
	state.updatedAt = now
	return state
}
