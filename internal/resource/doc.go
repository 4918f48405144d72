// Package resource implements the resource controller for the raw-memory layer.
//
// The Controller governs two resources:
//
//   - Memory: track and limit bytes mapped by the arena (non-blocking, fail-fast)
//   - Collections: pace automatic collections triggered by allocation pressure
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                  Controller                   │
//	├───────────────────────┬───────────────────────┤
//	│  Memory Limit         │  Collection Pacer     │
//	│  (fail-fast sem)      │  (token bucket)       │
//	├───────────────────────┼───────────────────────┤
//	│  AcquireMemory        │  AllowCollection      │
//	│  ReleaseMemory        │  AllowCollectionAt    │
//	│  MemoryUsage          │                       │
//	└───────────────────────┴───────────────────────┘
//
// # Memory Management
//
// Memory tracking uses a weighted semaphore for hard limits and atomic counters
// for usage tracking. AcquireMemory never blocks; the arena turns
// ErrMemoryLimitExceeded into an out-of-memory failure of the allocation:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 64 << 20,
//	})
//
//	if err := rc.AcquireMemory(1 << 20); err != nil {
//	    // ErrMemoryLimitExceeded - caller decides retry/degrade/abort
//	}
//	defer rc.ReleaseMemory(1 << 20)
//
// # Collection Pacing
//
// The conservative collector consults AllowCollection before running a cycle
// on behalf of an allocation. Explicit collections bypass the pacer.
//
// # Nil Safety
//
// All methods handle nil Controller gracefully - they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
