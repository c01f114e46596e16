package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

type TokenBucket struct {
	limiter *rate.Limiter
}

func NewTokenBucket(capacity, refillPerSecond int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

func (tb *TokenBucket) TryAcquire(weight int) bool {
	return tb.limiter.AllowN(time.Now(), weight)
}

// Acquire waits for weight tokens. When the wait cannot finish before the
// ctx deadline the error wraps context.DeadlineExceeded, even though the
// deadline has not passed yet.
func (tb *TokenBucket) Acquire(ctx context.Context, weight int) error {
	err := tb.limiter.WaitN(ctx, weight)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok && weight <= tb.limiter.Burst() {
		return fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
	}
	return err
}

type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[domain.EndpointCategory]*TokenBucket
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[domain.EndpointCategory]*TokenBucket),
	}
}

func (rl *RateLimiter) AddBucket(category domain.EndpointCategory, capacity, refillPerSecond int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.buckets[category] = NewTokenBucket(capacity, refillPerSecond)
}

func (rl *RateLimiter) Acquire(ctx context.Context, category domain.EndpointCategory, weight int) error {
	rl.mu.RLock()
	bucket, ok := rl.buckets[category]
	rl.mu.RUnlock()
	if !ok {
		return nil
	}
	return bucket.Acquire(ctx, weight)
}

func (rl *RateLimiter) TryAcquire(category domain.EndpointCategory, weight int) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[category]
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.TryAcquire(weight)
}
