package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Admission bounds the number of connections handled at once. A connection
// over the ceiling is never rejected: it waits, socket open and unread, until
// a slot frees up.
type Admission struct {
	sem    *semaphore.Weighted
	max    int64
	active atomic.Int64
}

// NewAdmission returns an Admission allowing max concurrent connections.
func NewAdmission(max int) *Admission {
	if max < 1 {
		max = 1
	}
	return &Admission{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire takes a slot, blocking while the ceiling is reached. The first time
// a connection has to wait a warning is logged. waited reports whether it had
// to; err is non-nil only when ctx ended before a slot freed up.
func (a *Admission) Acquire(ctx context.Context, logger *slog.Logger) (waited bool, err error) {
	if !a.sem.TryAcquire(1) {
		waited = true
		logger.Warn("maximum connections reached, waiting for a free slot", "max", a.max, "active", a.active.Load())
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return waited, err
		}
	}
	a.active.Add(1)
	return waited, nil
}

// Release frees a slot taken by Acquire.
func (a *Admission) Release() {
	a.active.Add(-1)
	a.sem.Release(1)
}

// Active returns the number of connections currently admitted.
func (a *Admission) Active() int64 {
	return a.active.Load()
}

// Max returns the configured ceiling.
func (a *Admission) Max() int64 {
	return a.max
}
