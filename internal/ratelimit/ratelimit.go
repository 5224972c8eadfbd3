// Package ratelimit paces outbound backend calls so a client stays under a
// provider's published requests-per-minute limit. It uses a sliding window
// keyed by model name.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer delays a call until it fits within the configured rate.
type Pacer interface {
	// Wait blocks until a request slot is available or ctx is done.
	Wait(ctx context.Context, modelName string) error
}

// SlidingWindowPacer enforces a fixed requests-per-minute budget per model.
type SlidingWindowPacer struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// NewSlidingWindowPacer builds a pacer allowing limit requests per minute
// per model.
func NewSlidingWindowPacer(limit int) *SlidingWindowPacer {
	return &SlidingWindowPacer{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

func (p *SlidingWindowPacer) Wait(ctx context.Context, modelName string) error {
	for {
		allowed, resetAt := p.tryAcquire(modelName)
		if allowed {
			return nil
		}

		timer := time.NewTimer(time.Until(resetAt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p *SlidingWindowPacer) tryAcquire(modelName string) (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	w, ok := p.windows[modelName]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		p.windows[modelName] = w
	}

	if w.count >= p.limit {
		return false, w.resetAt
	}

	w.count++
	return true, w.resetAt
}
