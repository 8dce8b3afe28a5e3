// Package api
// Author: momentics <momentics@gmail.com>
//
// Thread-ID manager contract: dense IDs over a fixed slot table, with a
// liveness signal cleaners use to decide whether a thread's retired
// chain can be swept unconditionally.

package api

// ThreadIDManager hands out dense IDs in [0, N) to calling goroutines and
// reports whether a previously issued ID is still alive.
type ThreadIDManager interface {
	// Acquire binds the calling goroutine to a dense ID, allocating one on
	// first use. Returns the ID and the generation stamp observed at bind
	// time (used by callers to detect later expiry without holding a
	// reference to the manager's internal bookkeeping).
	Acquire() (id int, generation uint64)

	// Heartbeat records liveness for id without changing its generation.
	// reclaim.Engine's cleaners do not consult it: they choose the
	// unconditional (non-reusing) sweep from IsBound alone.
	Heartbeat(id int)

	// IsAlive reports whether id's current generation still matches
	// generation (the value observed at Acquire or at a prior IsAlive
	// check), i.e. whether the slot has not been recycled to a new
	// thread since.
	IsAlive(id int, generation uint64) bool

	// Release marks id as no longer bound to any thread, bumping its
	// generation so stale observers see it as dead.
	Release(id int)

	// Capacity returns the maximum number of concurrently live IDs
	// (N_max).
	Capacity() int

	// IsBound reports whether id is currently checked out to some thread,
	// regardless of which generation. Cleaners use this to decide whether
	// a chain's owner might still append to it, without needing to carry
	// the generation observed at that thread's own bind time.
	IsBound(id int) bool
}
