package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowPacer_AllowsUpToLimit(t *testing.T) {
	p := NewSlidingWindowPacer(3)

	for i := 0; i < 3; i++ {
		allowed, _ := p.tryAcquire("model-a")
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, resetAt := p.tryAcquire("model-a")
	if allowed {
		t.Error("request over limit was allowed")
	}
	if time.Until(resetAt) > time.Minute {
		t.Errorf("resetAt further than a window away: %v", resetAt)
	}
}

func TestSlidingWindowPacer_PerModelWindows(t *testing.T) {
	p := NewSlidingWindowPacer(1)

	if allowed, _ := p.tryAcquire("model-a"); !allowed {
		t.Fatal("first model-a request denied")
	}
	if allowed, _ := p.tryAcquire("model-a"); allowed {
		t.Error("model-a should be at its limit")
	}
	if allowed, _ := p.tryAcquire("model-b"); !allowed {
		t.Error("model-b should have its own window")
	}
}

func TestSlidingWindowPacer_WaitImmediate(t *testing.T) {
	p := NewSlidingWindowPacer(5)
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx, "model-a"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait() under the limit took %v, want immediate", elapsed)
	}
}

func TestSlidingWindowPacer_WaitHonorsContext(t *testing.T) {
	p := NewSlidingWindowPacer(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Wait(ctx, "model-a"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	err := p.Wait(ctx, "model-a")
	if err != context.DeadlineExceeded {
		t.Errorf("blocked Wait() error = %v, want context.DeadlineExceeded", err)
	}
}
