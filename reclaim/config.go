// File: reclaim/config.go
// Config and DefaultConfig mirror the facade package's tunable-with-
// sensible-defaults convention: every field has a safe zero-impact
// default so a caller can override only what matters to it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reclaim

import "time"

// Config tunes one Engine instance.
type Config struct {
	// MaxTargets bounds how many distinct reclamation targets (including
	// the always-present Default) this engine's root region reserves
	// space for. Fixed at construction time because api.Pool.Root must be
	// called with a constant size across the pool's lifetime.
	MaxTargets int

	// MaxThreads is N_max: the number of concurrently live thread IDs
	// this engine supports, and therefore the number of TLF records
	// allocated per target.
	MaxThreads int

	// DriverInterval is I: how often the driver forwards the global epoch
	// and dispatches a cleaning pass. spec.md's reference value is 100ms.
	DriverInterval time.Duration

	// CleanerCount is the number of persistent cleaner goroutines the
	// driver fans ClearGarbage work out to.
	CleanerCount int

	// DriverCPU pins the driver goroutine to a logical CPU; -1 disables
	// pinning.
	DriverCPU int

	// CleanerCPUs pins cleaner goroutine i to CleanerCPUs[i] if present;
	// shorter than CleanerCount or containing -1 entries leaves those
	// cleaners unpinned.
	CleanerCPUs []int

	// NUMANode records the preferred NUMA node. The engine keeps it in its
	// Config but does not read it: it is not logged, not reported by any
	// debug probe, and the pmem pool is single-region.
	NUMANode int
}

// DefaultConfig returns conservative defaults: no CPU pinning, a modest
// thread and target budget, and spec.md's reference driver interval.
func DefaultConfig() Config {
	return Config{
		MaxTargets:     8,
		MaxThreads:     256,
		DriverInterval: 100 * time.Millisecond,
		CleanerCount:   2,
		DriverCPU:      -1,
		NUMANode:       -1,
	}
}
