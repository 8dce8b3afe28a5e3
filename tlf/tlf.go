// File: tlf/tlf.go
// Package tlf implements the Thread-Local durable Fields record: the
// per-thread root in the pool holding scratch allocation slots plus the
// head of that thread's retired-buffer chain.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlf

import (
	"encoding/binary"

	"github.com/momentics/pmem-reclaim/api"
)

// ScratchCount is K: the number of durable scratch handle slots a mutator
// may use as allocation-in-flight destinations.
const ScratchCount = 13

// CacheLine is L: the alignment unit the layout is built around.
const CacheLine = 64

// handleSize is the fixed on-disk width of an api.Handle: PoolID (4,
// padded to 8) + Offset (8).
const handleSize = 16

// headOffset/tmpHeadOffset place Head and TmpHead inside the same cache
// line so a single Persist call covers the ExchangeHead swap.
const (
	scratchBytes  = ScratchCount * handleSize
	headOffset    = scratchBytes
	tmpHeadOffset = headOffset + handleSize
	rawSize       = tmpHeadOffset + handleSize
)

// Size is the cache-line-aligned byte footprint of one TLF record.
const Size = ((rawSize + CacheLine - 1) / CacheLine) * CacheLine

func init() {
	// headOffset and tmpHeadOffset must land in the same CacheLine-sized
	// line for the crash-consistency argument in ExchangeHead to hold.
	if headOffset/CacheLine != tmpHeadOffset/CacheLine {
		panic("tlf: head/tmp_head straddle a cache line")
	}
}

func readHandle(b []byte) api.Handle {
	return api.Handle{
		PoolID: binary.LittleEndian.Uint32(b[0:4]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func writeHandle(b []byte, h api.Handle) {
	binary.LittleEndian.PutUint32(b[0:4], h.PoolID)
	binary.LittleEndian.PutUint64(b[8:16], h.Offset)
}

// View is a live accessor bound to one TLF record's bytes within a pool.
type View struct {
	pool base
	off  uintptr
	buf  []byte // pool.Deref(handle-at-off) sliced to exactly Size bytes
}

// base is the subset of api.Pool a View needs; kept narrow so tests can
// supply a minimal fake.
type base interface {
	Persist(addr uintptr, size int) error
}

// NewView binds a View to the TLF record living in buf (len(buf) >= Size)
// at pool-relative address off, used for Persist range calculations.
func NewView(pool base, off uintptr, buf []byte) *View {
	return &View{pool: pool, off: off, buf: buf[:Size]}
}

// Scratch returns scratch slot i.
func (v *View) Scratch(i int) api.Handle {
	return readHandle(v.buf[i*handleSize : i*handleSize+handleSize])
}

// SetScratch durably installs h into scratch slot i.
func (v *View) SetScratch(i int, h api.Handle) error {
	writeHandle(v.buf[i*handleSize:i*handleSize+handleSize], h)
	return v.pool.Persist(v.off+uintptr(i*handleSize), handleSize)
}

// Head returns the handle of the thread's first retired-buffer node.
func (v *View) Head() api.Handle {
	return readHandle(v.buf[headOffset : headOffset+handleSize])
}

// SetHead durably installs h as the chain head.
func (v *View) SetHead(h api.Handle) error {
	writeHandle(v.buf[headOffset:headOffset+handleSize], h)
	return v.pool.Persist(v.off+headOffset, handleSize)
}

// TmpHead returns the crash-safe swap scratch handle.
func (v *View) TmpHead() api.Handle {
	return readHandle(v.buf[tmpHeadOffset : tmpHeadOffset+handleSize])
}

// SetTmpHead durably installs h as the swap scratch.
func (v *View) SetTmpHead(h api.Handle) error {
	writeHandle(v.buf[tmpHeadOffset:tmpHeadOffset+handleSize], h)
	return v.pool.Persist(v.off+tmpHeadOffset, handleSize)
}

// SetHeadAndTmpHead writes both fields and issues a single Persist call
// covering their shared cache line, the crash-consistent swap step
// ExchangeHead relies on.
func (v *View) SetHeadAndTmpHead(head, tmp api.Handle) error {
	writeHandle(v.buf[headOffset:headOffset+handleSize], head)
	writeHandle(v.buf[tmpHeadOffset:tmpHeadOffset+handleSize], tmp)
	return v.pool.Persist(v.off+headOffset, handleSize*2)
}

// UnreleasedScratch returns every non-null scratch slot currently held.
func (v *View) UnreleasedScratch() []api.Handle {
	out := make([]api.Handle, 0, ScratchCount)
	for i := 0; i < ScratchCount; i++ {
		if h := v.Scratch(i); !h.IsNull() {
			out = append(out, h)
		}
	}
	return out
}

// ScratchHolds reports whether h matches any current scratch slot — the
// equality check recovery uses to avoid double-freeing an in-flight
// allocation (spec.md §4.1 step 3).
func (v *View) ScratchHolds(h api.Handle) bool {
	for i := 0; i < ScratchCount; i++ {
		if v.Scratch(i).Equals(h) {
			return true
		}
	}
	return false
}

// ScratchRef adapts scratch slot i to node.HandleSlot, letting node.Retire
// and node.TakeReusable treat a scratch slot the same as a node slot.
type ScratchRef struct {
	v *View
	i int
}

// ScratchRef returns a HandleSlot view over scratch slot i.
func (v *View) ScratchRef(i int) ScratchRef { return ScratchRef{v: v, i: i} }

func (r ScratchRef) Get() api.Handle        { return r.v.Scratch(r.i) }
func (r ScratchRef) Set(h api.Handle) error { return r.v.SetScratch(r.i, h) }
func (r ScratchRef) SetNull() error         { return r.v.SetScratch(r.i, api.NullHandle) }
