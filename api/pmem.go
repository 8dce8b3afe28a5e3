// Package api
// Author: momentics <momentics@gmail.com>
//
// Persistent-memory allocator contract. The reclamation engine treats the
// allocator as an external collaborator: allocation, free, and durability
// are assumed crash-safe by the caller of this interface.

package api

// Pool abstracts a byte-addressable persistent memory region managed by an
// external allocator. All writes made visible through Deref become durable
// only after Persist covers the affected range.
type Pool interface {
	// AllocZeroed reserves size bytes, zeroes them, and writes the handle
	// of the new region into slot. Fails with a *Error{Code:
	// ErrCodeAllocFailed} if the pool is exhausted.
	AllocZeroed(slot *Handle, size int) error

	// PersistentFree releases the region addressed by *slot back to the
	// allocator's free list and nulls *slot.
	PersistentFree(slot *Handle) error

	// Deref resolves a handle to a byte slice view over its backing
	// storage. The returned slice is valid until the handle is freed.
	Deref(h Handle) ([]byte, error)

	// Persist forces the byte range [addr, addr+size) of the pool's
	// backing storage to stable media.
	Persist(addr uintptr, size int) error

	// Root returns the pool's fixed root region, allocating and zeroing
	// it on first open if absent. size is the required root size in
	// bytes; Root is idempotent across calls with the same size.
	Root(size int) ([]byte, uintptr, error)

	// Close flushes and releases OS-level resources. It must never free
	// the pool's root or any durable content — persistence across
	// sessions is the entire point of the pool.
	Close() error
}
