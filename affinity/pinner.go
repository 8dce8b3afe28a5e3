// File: affinity/pinner.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package affinity

import (
	"sync"

	"github.com/momentics/pmem-reclaim/api"
)

var _ api.Affinity = (*Pinner)(nil)

// Pinner is a stateful api.Affinity wrapper around the package-level
// SetAffinity primitive. The platform calls behind SetAffinity expose no
// query API of their own, so Pinner tracks the last pin it installed and
// reports that back through Get.
type Pinner struct {
	mu     sync.Mutex
	cpuID  int
	numaID int
}

// NewPinner returns a Pinner with no CPU currently pinned.
func NewPinner() *Pinner {
	return &Pinner{cpuID: -1, numaID: -1}
}

// Pin locks the calling goroutine's OS thread to cpuID. numaID is recorded
// for Get but not independently enforced: this package has no NUMA
// topology query of its own, so numaID is caller-supplied bookkeeping.
func (p *Pinner) Pin(cpuID, numaID int) error {
	if err := SetAffinity(cpuID); err != nil {
		return err
	}
	p.mu.Lock()
	p.cpuID, p.numaID = cpuID, numaID
	p.mu.Unlock()
	return nil
}

// Unpin clears the tracked pin. The underlying platform calls have no
// "restore default mask" primitive, so the OS thread stays on whatever CPU
// Pin last installed; only the bookkeeping Get reports is reset.
func (p *Pinner) Unpin() error {
	p.mu.Lock()
	p.cpuID, p.numaID = -1, -1
	p.mu.Unlock()
	return nil
}

// Get returns the most recently pinned CPU and NUMA node, or (-1, -1) if
// unpinned.
func (p *Pinner) Get() (cpuID int, numaID int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpuID, p.numaID, nil
}
