// Package mmap provides anonymous, off-heap memory mappings.
//
// The object heap obtains its chunks here so that large heaps stay outside the
// Go garbage collector's view, and a released chunk is returned to the OS by
// unmapping it rather than waiting for a collection cycle.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON | MAP_PRIVATE, madvise(2) for hints
//   - Windows: VirtualAlloc / VirtualFree (advice is a no-op)
//
// # Thread Safety
//
// Close is idempotent and safe to call concurrently. Callers must ensure no
// goroutine touches Bytes() after Close returns.
package mmap
