// Package api
// Author: momentics <momentics@gmail.com>
//
// Epoch manager contract: a monotonically advancing global counter and
// scoped guards that pin a reader's observed epoch against reclamation.

package api

// EpochGuard pins the calling thread's observed epoch for its lifetime.
// Nothing retired at or after guard-acquire may be released while the
// guard is alive.
type EpochGuard interface {
	// Release ends the protection window. Idempotent.
	Release()
}

// EpochManager advances and queries the global epoch, and hands out
// guards to protect in-flight readers.
type EpochManager interface {
	// ForwardGlobalEpoch advances the global epoch by one. Called only by
	// the reclamation engine's driver thread.
	ForwardGlobalEpoch() uint64

	// CurrentEpoch returns the current global epoch value.
	CurrentEpoch() uint64

	// MinEpoch returns the minimum epoch currently held by any live
	// guard, or the current global epoch if no guard is live.
	MinEpoch() uint64

	// AcquireGuard pins threadID's observed epoch to the current global
	// epoch and returns a token releasing that pin.
	AcquireGuard(threadID int) EpochGuard
}
