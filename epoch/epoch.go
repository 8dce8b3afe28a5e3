// File: epoch/epoch.go
// Package epoch implements the global/per-thread epoch bookkeeping the
// reclamation engine drives. Grounded on the RCU-style reader/epoch
// pattern used for order-book snapshot isolation: a monotonic global
// counter advanced by a single writer, and a per-reader stamp of "which
// epoch was current when I last entered a protected section," with zero
// meaning "not currently protected."
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package epoch

import (
	"sync/atomic"

	"github.com/momentics/pmem-reclaim/api"
)

// Manager is the reference api.EpochManager implementation: one global
// epoch counter plus one reader stamp per dense thread ID.
type Manager struct {
	global  atomic.Uint64
	readers []atomic.Uint64 // 0 => not reading; indexed by thread ID
}

var _ api.EpochManager = (*Manager)(nil)

// NewManager creates a manager supporting up to maxThreads concurrent
// guards. The global epoch starts at 1 so that 0 unambiguously means
// "no guard held."
func NewManager(maxThreads int) *Manager {
	m := &Manager{readers: make([]atomic.Uint64, maxThreads)}
	m.global.Store(1)
	return m
}

// ForwardGlobalEpoch advances the global epoch by one; called only by the
// engine's driver thread.
func (m *Manager) ForwardGlobalEpoch() uint64 {
	return m.global.Add(1)
}

// CurrentEpoch returns the current global epoch value.
func (m *Manager) CurrentEpoch() uint64 {
	return m.global.Load()
}

// MinEpoch scans all reader stamps and returns the smallest non-zero one,
// or the current global epoch if no guard is live.
func (m *Manager) MinEpoch() uint64 {
	min := m.global.Load()
	for i := range m.readers {
		e := m.readers[i].Load()
		if e != 0 && e < min {
			min = e
		}
	}
	return min
}

// AcquireGuard pins threadID's observed epoch to the current global epoch.
func (m *Manager) AcquireGuard(threadID int) api.EpochGuard {
	e := m.global.Load()
	m.readers[threadID].Store(e)
	return &guard{m: m, threadID: threadID}
}

type guard struct {
	m        *Manager
	threadID int
	released atomic.Bool
}

// Release ends the protection window. Idempotent.
func (g *guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.m.readers[g.threadID].Store(0)
	}
}
