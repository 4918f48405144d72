// Package arena provides the off-heap host allocator behind the raw-memory layer.
//
// It also provides FlatArena, a bounded scratch region with mark/release
// semantics used for scoped stack allocations.
//
// # Concurrency Model
//
// All Arena methods take an internal mutex, so the arena itself may be shared.
// The object layers built on top of it are single-threaded by contract; the
// lock only protects the chunk table and the block free lists.
//
// # Memory Management
//
// Arena maps memory in large chunks (1 MiB default) and carves blocks out of
// them with a bump pointer. Every block is preceded by a one-word header that
// records its aligned size. Freed blocks go onto an exact-size free list and are
// handed out again by later allocations of the same aligned size. Requests that
// do not fit in a chunk get a dedicated mapping that is unmapped when freed.
//
// # Addressing
//
// Blocks are identified by a global offset:
//
//	GlobalOffset = (ChunkIndex << ChunkBits) | OffsetInChunk
//
// Offset 0 is never a block (every block sits behind its header), so callers
// can use it as null.
package arena
