package control

import (
	"context"
	"sync"
	"time"
)

// headTTL is how long a fetched chain head is reused.
const headTTL = 2 * time.Second

// HeadTracker caches the chain head and reports the newest block that is
// at least the configured number of confirmations deep.
type HeadTracker struct {
	fetch         func(ctx context.Context) (uint64, error)
	ttl           time.Duration
	confirmations uint64

	mu       sync.Mutex
	cached   uint64
	cachedAt time.Time
}

// NewHeadTracker creates a tracker over fetch, usually Adapter.BlockNumber.
func NewHeadTracker(fetch func(ctx context.Context) (uint64, error), ttl time.Duration, confirmations uint64) *HeadTracker {
	return &HeadTracker{fetch: fetch, ttl: ttl, confirmations: confirmations}
}

// Head returns the chain head, fetching it when the cached value expired.
func (h *HeadTracker) Head(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	if !h.cachedAt.IsZero() && time.Since(h.cachedAt) < h.ttl {
		head := h.cached
		h.mu.Unlock()
		return head, nil
	}
	h.mu.Unlock()

	head, err := h.fetch(ctx)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.cached = head
	h.cachedAt = time.Now()
	h.mu.Unlock()
	return head, nil
}

// Safe returns the head minus the confirmation depth, clamped at 0.
func (h *HeadTracker) Safe(ctx context.Context) (uint64, error) {
	head, err := h.Head(ctx)
	if err != nil {
		return 0, err
	}
	if head < h.confirmations {
		return 0, nil
	}
	return head - h.confirmations, nil
}

// Invalidate forces the next call to fetch the head.
func (h *HeadTracker) Invalidate() {
	h.mu.Lock()
	h.cachedAt = time.Time{}
	h.mu.Unlock()
}
