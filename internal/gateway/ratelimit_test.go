package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

func TestTokenBucket_TryAcquire(t *testing.T) {
	tb := NewTokenBucket(5, 10)

	for i := 0; i < 5; i++ {
		if !tb.TryAcquire(1) {
			t.Errorf("expected to acquire token %d", i)
		}
	}

	if tb.TryAcquire(1) {
		t.Error("expected bucket to be exhausted")
	}

	time.Sleep(110 * time.Millisecond)

	if !tb.TryAcquire(1) {
		t.Error("expected bucket to have refilled")
	}
}

func TestRateLimiter_Acquire(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointOrderPlace, 2, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rl.Acquire(ctx, domain.EndpointOrderPlace, 1); err != nil {
		t.Errorf("expected first acquire to succeed: %v", err)
	}

	if err := rl.Acquire(ctx, domain.EndpointOrderPlace, 1); err != nil {
		t.Errorf("expected second acquire to succeed: %v", err)
	}
}

func TestRateLimiter_WaitPastDeadlineIsTimeout(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointOrderPlace, 1, 1)

	if err := rl.Acquire(context.Background(), domain.EndpointOrderPlace, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := rl.Acquire(ctx, domain.EndpointOrderPlace, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("acquire should give up without waiting for a token")
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := rl.Acquire(cancelled, domain.EndpointOrderPlace, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}

	long, cancelLong := context.WithTimeout(context.Background(), time.Minute)
	defer cancelLong()
	if err := rl.Acquire(long, domain.EndpointOrderPlace, 5); errors.Is(err, context.DeadlineExceeded) || err == nil {
		t.Errorf("weight above burst is not a timeout, got %v", err)
	}
}

func TestRateLimiter_UnknownCategory(t *testing.T) {
	rl := NewRateLimiter()

	if !rl.TryAcquire(domain.EndpointAccount, 1) {
		t.Error("unknown category should always succeed")
	}
}

func TestRateLimiter_AcquireHonoursContext(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointInfo, 1, 1)

	if !rl.TryAcquire(domain.EndpointInfo, 1) {
		t.Fatal("expected initial token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Acquire(ctx, domain.EndpointInfo, 1); err == nil {
		t.Error("expected acquire to fail once the deadline cannot be met")
	}
}
