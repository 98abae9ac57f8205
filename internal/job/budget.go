package job

import (
	"context"
	"time"
)

// Budget tracks the wall-clock allowance of one invocation
type Budget struct {
	deadline time.Time
	safety   time.Duration
	now      func() time.Time
}

// NewBudget derives the deadline from ctx, falling back to allowance from now
// when ctx carries none
func NewBudget(ctx context.Context, allowance, safety time.Duration, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = now().Add(allowance)
	}
	return &Budget{deadline: deadline, safety: safety, now: now}
}

// Remaining returns the time left before the host cuts the invocation off
func (b *Budget) Remaining() time.Duration {
	return b.deadline.Sub(b.now())
}

// Exhausted reports whether another remote call would eat into the safety buffer
// reserved for persisting the checkpoint
func (b *Budget) Exhausted() bool {
	return b.Remaining() < b.safety
}
