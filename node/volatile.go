// File: node/volatile.go
// Volatile is the DRAM half of a retired-buffer node: the lock-free
// begin/mid/end cursors and the reuse-handoff pointer. Grounded on
// core/concurrency/ring.go's cache-line-padded atomic sequence counters.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package node

import "sync/atomic"

// ReuseTag marks next_tagged as claimed by a reuse consumer. Kept as a
// named constant for parity with the data model even though the Go
// encoding below splits pointer and tag into two atomics for GC safety
// (see DESIGN.md).
const ReuseTag = uint64(1) << 63

// cursor is one cache-line-padded atomic counter.
type cursor struct {
	v atomic.Uint64
	_ [56]byte
}

// nextTagged packs "pointer to the next node's volatile half" with a
// single reuse-claimed bit. The data model describes this as one tagged
// word; Go's non-moving but collectible heap makes storing a live pointer
// in a bare atomic.Uintptr unsafe (the GC cannot see it as a root), so the
// pointer and the tag are split into two atomics. This is safe because
// exactly one consumer ever sets the tag, and it can only do so after the
// pointer has already been installed (see node.ExchangeHead and
// header.GetPageIfPossible), so no reader can observe tag=true with a
// stale or nil pointer.
type nextTagged struct {
	ptr atomic.Pointer[Volatile]
	tag atomic.Bool
}

// Store installs v exactly once; later calls are no-ops. Mirrors the
// data model's "CAS-store its address into tail.next_tagged".
func (n *nextTagged) Store(v *Volatile) bool { return n.ptr.CompareAndSwap(nil, v) }

// Load returns the linked volatile half (nil if none yet) and whether a
// consumer has claimed the reuse handoff.
func (n *nextTagged) Load() (*Volatile, bool) { return n.ptr.Load(), n.tag.Load() }

// ClaimReuse sets the tag bit, reporting whether this call was the one
// that set it.
func (n *nextTagged) ClaimReuse() bool { return n.tag.CompareAndSwap(false, true) }

// Volatile is the DRAM-resident, non-persisted half of a node.
type Volatile struct {
	begin cursor
	mid   cursor
	end   cursor

	epochs  []uint64 // length Capacity, retirement epoch per slot
	next    nextTagged
	durable *Durable // reconstructed on bind; never persisted
}

// NewVolatile constructs the volatile half for a freshly created durable
// node (every slot null, cursors all zero). Used by header.bindLocked's
// allocate branch and by CreateNext's caller.
func NewVolatile(d *Durable) *Volatile {
	return &Volatile{epochs: make([]uint64, Capacity), durable: d}
}

// ReopenVolatile reconstructs a Volatile's begin/mid/end cursors from an
// existing durable node's slot contents (spec §9: volatile indices are
// "reconstructed on restart by walking the durable slots"). begin is the
// index of the first non-null slot, end is one past the last non-null
// slot. mid is reset to begin: a raw slot is indistinguishable between
// "already destructed, awaiting reuse" and "not yet destructed" — both
// are simply non-null — so a reopened range is conservatively treated as
// entirely pending destruction again, never as already-destructed
// garbage ClearGarbage would otherwise hand straight to GetPageIfPossible.
func ReopenVolatile(d *Durable) *Volatile {
	begin, end := -1, 0
	for i := 0; i < Capacity; i++ {
		if !d.Slot(i).IsNull() {
			if begin == -1 {
				begin = i
			}
			end = i + 1
		}
	}
	if begin == -1 {
		begin = 0
	}
	v := NewVolatile(d)
	v.SetBegin(uint64(begin))
	v.SetMid(uint64(begin))
	v.SetEnd(uint64(end))
	return v
}

// Durable returns the paired durable half.
func (v *Volatile) Durable() *Durable { return v.durable }

func (v *Volatile) Begin() uint64 { return v.begin.v.Load() }
func (v *Volatile) Mid() uint64   { return v.mid.v.Load() }
func (v *Volatile) End() uint64   { return v.end.v.Load() }

func (v *Volatile) SetBegin(n uint64) { v.begin.v.Store(n) }
func (v *Volatile) SetMid(n uint64)   { v.mid.v.Store(n) }
func (v *Volatile) SetEnd(n uint64)   { v.end.v.Store(n) }

// IncEnd advances end after a new handle has been installed at the slot
// Retire reserved by reading End() before writing, publishing the slot
// to cleaners. Retire is single-writer per node, so no CAS is needed.
func (v *Volatile) IncEnd() { v.end.v.Add(1) }

// AdvanceBegin advances begin past slots the cleaner has fully released.
func (v *Volatile) AdvanceBegin(to uint64) { v.begin.v.Store(to) }

// Epoch returns the retirement epoch recorded for slot i.
func (v *Volatile) Epoch(i int) uint64 { return v.epochs[i] }

// SetEpoch records the retirement epoch for slot i. Only the mutator
// thread that owns this node writes it, so a plain slice is sufficient.
func (v *Volatile) SetEpoch(i int, epoch uint64) { v.epochs[i] = epoch }

// IsEmpty reports whether this node holds no outstanding garbage at all:
// begin has caught up to end, and the node never filled (end < B). A
// fully retired and fully reused node (end == begin == B) is not empty
// in this sense — it is fully consumed, not vacant — and is torn down
// via ClearGarbage's own begin-reaches-capacity pop path instead.
func (v *Volatile) IsEmpty() bool {
	return v.End() == v.Begin() && v.End() < Capacity
}

// IsFull reports whether every slot has been retired into (end == B).
func (v *Volatile) IsFull() bool { return v.End() >= Capacity }

// Next exposes the reuse-handoff pointer to the next node in the chain.
func (v *Volatile) Next() *nextTagged { return &v.next }
