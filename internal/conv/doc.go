// Package conv provides checked integer arithmetic and conversions.
//
// These helpers detect overflow when computing allocation sizes and when moving
// between Go's platform-dependent int and the fixed-width words stored in raw
// memory.
//
// Use cases:
//   - Computing header + n*slot byte lengths for variable-size objects
//   - Converting stored uint64 words back to int lengths
//
// For conversions that are provably safe by domain constraints (e.g., loop
// indices, bounded counters), use direct type casts instead to avoid overhead.
package conv
