package resource

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for memory mapped by the arena.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// CollectionsPerSecond caps how often allocation pressure may trigger an
	// automatic collection. Explicit collections are never limited.
	// If 0, unlimited.
	CollectionsPerSecond float64

	// CollectionBurst is the number of automatic collections allowed back to back.
	// If 0, defaults to 1.
	CollectionBurst int
}

// Controller manages memory budget and collection pacing.
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Collection pacing
	gcLimiter *rate.Limiter // nil if unlimited
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.CollectionBurst <= 0 {
		cfg.CollectionBurst = 1
	}

	c := &Controller{
		cfg: cfg,
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.CollectionsPerSecond > 0 {
		c.gcLimiter = rate.NewLimiter(rate.Limit(cfg.CollectionsPerSecond), cfg.CollectionBurst)
	}

	return c
}

// AcquireMemory attempts to reserve memory.
// Returns ErrMemoryLimitExceeded if limit would be exceeded.
// Non-blocking - an allocator reports out-of-memory instead of waiting.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AllowCollection reports whether an automatic collection may run now and,
// if so, consumes a token.
func (c *Controller) AllowCollection() bool {
	return c.AllowCollectionAt(time.Now())
}

// AllowCollectionAt is AllowCollection with an explicit clock reading.
func (c *Controller) AllowCollectionAt(now time.Time) bool {
	if c == nil || c.gcLimiter == nil {
		return true
	}
	return c.gcLimiter.AllowN(now, 1)
}
