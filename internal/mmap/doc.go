// Package mmap provides anonymous memory mappings outside the Go heap.
//
// # Overview
//
// MapAnon creates read-write, private, anonymous mappings. The arena allocator
// obtains its chunks from here so that object headers and slots live in memory
// the Go garbage collector never scans or moves.
//
// # Usage
//
//	m, err := mmap.MapAnon(1 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	buf := m.Bytes()
//
//	// Hand pages back to the kernel while keeping the mapping
//	m.Advise(mmap.AccessDontNeed)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE, madvise(2) hints
//   - Windows: VirtualAlloc with MEM_RESERVE|MEM_COMMIT (advice is a no-op)
//
// # Thread Safety
//
// Close is idempotent and protected by an atomic flag. Callers must ensure no
// goroutine touches Bytes() after Close() returns.
package mmap
