// Package slots implements a resizable admission gate for concurrent downloads.
//
// A Controller hands out permits from a weighted semaphore of fixed capacity.
// Permits above the configured limit are parked by the controller itself, so
// changing the limit is a matter of parking or unparking permits:
//
//   - growing releases parked permits right away, admitting waiters
//   - shrinking parks permits lazily, on the next Acquire, waiting for
//     in-flight downloads to release them
//
// Running downloads are never preempted.
package slots

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Unlimited disables admission control.
const Unlimited = 0

// capacity bounds the number of permits the controller can ever hand out.
const capacity = 1 << 30

type Controller struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	target  int // live configured limit
	current int // limit the permit pool is reconciled to
	inUse   int
}

// NewController creates a controller admitting at most limit concurrent holders.
// A limit of Unlimited (or a negative one) disables admission control.
func NewController(limit int) *Controller {
	limit = normalize(limit)

	c := &Controller{
		sem:     semaphore.NewWeighted(capacity),
		target:  limit,
		current: limit,
	}

	// Park everything above the initial limit.
	c.sem.TryAcquire(int64(capacity - limit))

	return c
}

// SetLimit changes the live limit. Growth is applied immediately, shrinking
// is applied by subsequent calls to Acquire.
func (c *Controller) SetLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.target = normalize(limit)
	c.growLocked()
}

// Limit returns the configured limit.
func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.target
}

// InUse returns the number of permits currently held by callers.
func (c *Controller) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inUse
}

// Acquire blocks until a permit is free. It reports held=false without
// blocking when admission control is disabled; callers pass that value back
// to Release. The only error is the context being done while waiting.
func (c *Controller) Acquire(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()

		if c.target == Unlimited {
			c.mu.Unlock()

			return false, nil
		}

		c.growLocked()

		if c.current <= c.target {
			c.mu.Unlock()

			break
		}

		// Retire one permit. current is lowered before the permit is parked so
		// concurrent callers do not over-shrink.
		c.current--
		c.mu.Unlock()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.mu.Lock()
			c.current++
			c.mu.Unlock()

			return false, err
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.inUse++
	c.mu.Unlock()

	return true, nil
}

// Release returns a permit obtained from Acquire. It is a no-op when held is false.
func (c *Controller) Release(held bool) {
	if !held {
		return
	}

	c.mu.Lock()
	c.inUse--
	c.mu.Unlock()

	c.sem.Release(1)
}

// growLocked unparks permits until current reaches target. Never blocks.
func (c *Controller) growLocked() {
	if c.target == Unlimited {
		return
	}

	for c.current < c.target {
		c.sem.Release(1)
		c.current++
	}
}

func normalize(limit int) int {
	switch {
	case limit <= 0:
		return Unlimited
	case limit > capacity/2:
		return capacity / 2
	default:
		return limit
	}
}
