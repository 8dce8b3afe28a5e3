// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT
//
// Fake in-memory implementation of api.Pool for package tests that need a
// persistent pool without touching a real file or mmap.

package fake

import (
	"sync"

	"github.com/momentics/pmem-reclaim/api"
)

// Pool is a trivial stub implementation of api.Pool backed by a plain Go
// map. Persist is a no-op: there is nothing behind it to flush. Useful for
// exercising node/tlf/header/reclaim logic without any platform-specific
// mapping code in the loop.
type Pool struct {
	mu      sync.Mutex
	mem     map[uint64][]byte
	next    uint64
	root    []byte
	id      uint32
	allocs  int64
	frees   int64
}

// NewPool creates a new fake pool.
func NewPool() *Pool {
	return &Pool{mem: make(map[uint64][]byte), next: 1, id: 1}
}

// PoolStats holds allocation/free counts for assertions in tests.
type PoolStats struct {
	Allocs int64
	Frees  int64
	Live   int
}

// Stats returns a snapshot of this pool's bookkeeping counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Allocs: p.allocs, Frees: p.frees, Live: len(p.mem)}
}

func (p *Pool) AllocZeroed(slot *api.Handle, size int) error {
	if size <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "size must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	off := p.next
	p.next += uint64(size)
	p.mem[off] = make([]byte, size)
	p.allocs++
	*slot = api.Handle{PoolID: p.id, Offset: off}
	return nil
}

func (p *Pool) PersistentFree(slot *api.Handle) error {
	if slot.IsNull() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mem[slot.Offset]; !ok {
		return api.NewError(api.ErrCodeInvalidArgument, "double free").WithContext("handle", slot.String())
	}
	delete(p.mem, slot.Offset)
	p.frees++
	*slot = api.NullHandle
	return nil
}

func (p *Pool) Deref(h api.Handle) ([]byte, error) {
	if h.IsNull() {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "deref of null handle")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.mem[h.Offset]
	if !ok {
		return nil, api.NewError(api.ErrCodeRecoveryCorrupt, "dangling handle").WithContext("handle", h.String())
	}
	return buf, nil
}

func (p *Pool) Persist(addr uintptr, size int) error { return nil }

func (p *Pool) Root(size int) ([]byte, uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		p.root = make([]byte, size)
	}
	return p.root, 0, nil
}

func (p *Pool) Close() error { return nil }
