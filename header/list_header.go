// File: header/list_header.go
// Package header implements the per-(thread, target) list header: the
// single entry point mutators retire through and cleaners sweep through.
// Grounded on pool/slab_pool.go's mutex-guarded per-class bookkeeping and
// core/concurrency/executor.go's single-owner state-machine discipline.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package header

import (
	"sync"

	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/node"
	"github.com/momentics/pmem-reclaim/target"
	"github.com/momentics/pmem-reclaim/tlf"
)

// Header is the type-erased surface ListHeader[T] exposes. None of these
// methods take or return a T value — the payload type only matters inside
// ClearGarbage's Destruct call, which closes over it internally — so an
// engine juggling many differently-typed targets can hold a plain
// []Header instead of needing a type parameter of its own.
type Header interface {
	BindIfNeeded() error
	Retire(src node.HandleSlot, epoch uint64) error
	GetPageIfPossible(out node.HandleSlot) (bool, error)
	ClearGarbage(threadAlive bool, epochMgr api.EpochManager) error
	Drain() error
}

// ListHeader coordinates one thread's retired-buffer chain for one
// reclamation target. Bind-if-needed defers node construction until the
// first retire, so a thread that never retires for this target never
// allocates for it.
type ListHeader[T any] struct {
	mu  sync.Mutex
	tlf *tlf.View
	pool api.Pool
	tgt target.Target[T]

	headVol *node.Volatile
	tailVol *node.Volatile
}

var _ Header = (*ListHeader[struct{}])(nil)

// New constructs a ListHeader bound to tlfView (not yet bound to a node —
// see BindIfNeeded).
func New[T any](pool api.Pool, tlfView *tlf.View, tgt target.Target[T]) *ListHeader[T] {
	return &ListHeader[T]{pool: pool, tlf: tlfView, tgt: tgt}
}

// bindLocked constructs (or reopens) the head node the first time this
// header is touched. Callers must hold h.mu. A non-null existing head
// should only ever be seen here if the engine's startup recovery sweep
// was skipped (recovery always wipes a thread's chain to null before any
// header binds) — ReopenVolatile makes that reopen path safe regardless,
// by reconstructing begin/mid/end from the node's durable slots instead
// of assuming a freshly zeroed node.
func (h *ListHeader[T]) bindLocked() error {
	if h.headVol != nil {
		return nil
	}
	head := h.tlf.Head()
	if head.IsNull() {
		d, handle, err := node.New(h.pool)
		if err != nil {
			return err
		}
		if err := h.tlf.SetHead(handle); err != nil {
			return err
		}
		h.headVol = node.NewVolatile(d)
	} else {
		d, err := node.Open(h.pool, head)
		if err != nil {
			return err
		}
		h.headVol = node.ReopenVolatile(d)
	}
	h.tailVol = h.headVol
	return nil
}

// BindIfNeeded ensures a head node exists. Calling it is optional: Retire
// binds lazily, while GetPageIfPossible, ClearGarbage and Drain do nothing
// on a header that has not been bound yet.
func (h *ListHeader[T]) BindIfNeeded() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bindLocked()
}

// Retire installs the handle currently held by src as the next retired
// slot, extending the chain with a freshly created node if the tail is
// full. epoch is the global epoch observed at the moment of retirement;
// ClearGarbage will not reclaim this slot until every active reader's
// epoch has advanced past it.
//
// The slot position is reserved by reading the tail's end cursor, not by
// a CAS: only this header's single owning mutator ever retires into its
// own tail, so a plain read-then-publish is safe. mid is never touched
// here — it belongs exclusively to ClearGarbage's destructed/reusable
// bookkeeping.
func (h *ListHeader[T]) Retire(src node.HandleSlot, epoch uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.bindLocked(); err != nil {
		return err
	}

	tail := h.tailVol
	pos := tail.End()
	tail.SetEpoch(int(pos), epoch)
	if err := tail.Durable().Retire(int(pos), src); err != nil {
		return err
	}
	if pos == node.Capacity-1 {
		nextDurable, _, err := tail.Durable().CreateNext()
		if err != nil {
			return err
		}
		nextVol := node.NewVolatile(nextDurable)
		tail.Next().Store(nextVol)
		h.tailVol = nextVol
	}
	tail.IncEnd()
	return nil
}

// GetPageIfPossible claims a destructed-but-unreclaimed slot from the
// head node's [begin, mid) reusable range into out, if one is currently
// available. ok is false when begin has caught up to mid: nothing has
// been destructed yet, or everything destructed has already been
// reclaimed. A target that does not reuse pages yields an
// ErrCodeInvalidArgument error.
func (h *ListHeader[T]) GetPageIfPossible(out node.HandleSlot) (ok bool, err error) {
	if !h.tgt.ReusePages {
		return false, api.NewError(api.ErrCodeInvalidArgument, "target does not reuse pages").WithContext("target", h.tgt.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.headVol == nil {
		return false, nil
	}
	head := h.headVol
	pos := head.Begin()
	if pos >= head.Mid() {
		return false, nil
	}
	if err := head.Durable().TakeReusable(int(pos), out); err != nil {
		return false, err
	}
	if pos == node.Capacity-1 {
		head.Next().ClaimReuse()
	}
	head.AdvanceBegin(pos + 1)
	return true, nil
}

// ClearGarbage sweeps the head node per tgt's dispatch policy (spec §4.2;
// original GarbageListInDRAM::Destruct/Clear, garbage_list_in_dram.hpp):
//
//   - Destruct-only (thread alive, target reuses pages): destructs every
//     slot in [mid, end) whose retirement epoch is behind minEpoch,
//     advancing mid past each one. The slots themselves are left
//     non-null — [begin, mid) is exactly the reusable range
//     GetPageIfPossible drains from. Once every slot has been destructed
//     (mid == Capacity) and every one of those has also been reused
//     (begin == Capacity), the fully consumed node is popped.
//   - Clear (dead thread, or a target that never reuses pages): releases
//     [begin, mid) unconditionally (nothing will ever reuse these), then
//     destructs and releases [mid, end) as its epoch comes due, advancing
//     begin and mid together. A node fully drained this way is popped.
//
// After the sweep, a head node that never filled and has nothing left in
// it (begin == end < Capacity) is torn down entirely once its thread is
// dead, freeing the node itself.
//
// The header's lock is only tried: if another caller holds it,
// ClearGarbage returns nil without sweeping, leaving the work to a later
// pass.
func (h *ListHeader[T]) ClearGarbage(threadAlive bool, epochMgr api.EpochManager) error {
	if !h.mu.TryLock() {
		return nil
	}
	defer h.mu.Unlock()
	if h.headVol == nil {
		return nil
	}

	min := epochMgr.MinEpoch()
	policy := h.tgt.SelectPolicy(threadAlive)

	var err error
	if policy == target.PolicyDestructOnly {
		err = h.destructOnlySweep(min)
	} else {
		err = h.clearSweep(min)
	}
	if err != nil {
		return err
	}

	if h.headVol != nil && !threadAlive && h.headVol.IsEmpty() {
		freeHandle := h.headVol.Durable().Handle()
		if err := h.tlf.SetHead(api.NullHandle); err != nil {
			return err
		}
		if err := h.pool.PersistentFree(&freeHandle); err != nil {
			return err
		}
		h.headVol = nil
		h.tailVol = nil
	}
	return nil
}

// Drain force-drains the chain under an unconditionally maximal epoch,
// ignoring tgt's reuse policy and any currently active reader: every
// outstanding slot is destructed and released, and every node, including
// the final in-progress one, is freed (spec §4.3, §7; original's
// DestroyGarbageLists). Callers must guarantee no mutator or cleaner
// touches this header concurrently with Drain — it is intended for
// reclaim.Engine's StopGC/Close teardown, after the driver and cleaner
// pool have already been joined.
func (h *ListHeader[T]) Drain() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.headVol == nil {
		return nil
	}
	if err := h.clearSweep(^uint64(0)); err != nil {
		return err
	}
	if h.headVol == nil {
		return nil
	}
	freeHandle := h.headVol.Durable().Handle()
	if err := h.tlf.SetHead(api.NullHandle); err != nil {
		return err
	}
	if err := h.pool.PersistentFree(&freeHandle); err != nil {
		return err
	}
	h.headVol = nil
	h.tailVol = nil
	return nil
}

// destructOnlySweep advances mid across the head node's live garbage,
// leaving destructed slots in place for GetPageIfPossible to reuse, and
// pops the node once every slot has been both destructed and reused.
//
// Unlike the original GarbageListInDRAM::Destruct (garbage_list_in_dram.hpp),
// which walks forward across every already-full node of the chain in one
// pass, this loop only advances to a next node once the current head is
// both fully destructed (mid == Capacity) and fully reused
// (begin == Capacity) — i.e. once it is ready to be popped. A later,
// already-full node's garbage is therefore destructed on a subsequent
// sweep rather than in the same pass as the head's. This is a narrower
// per-pass behavior than the original's, not merely the documented
// cross-node reuse_head coalescing omission: it defers finalizer timing,
// not just page-reuse coalescing. It remains safe — nothing observes a
// slot as destructed before Destruct actually runs it, and a later sweep
// always completes the deferred work — but is worth calling out
// separately from the coalescing Open Question.
func (h *ListHeader[T]) destructOnlySweep(min uint64) error {
	for {
		cur := h.headVol
		mid, end := cur.Mid(), cur.End()
		for mid < end && cur.Epoch(int(mid)) < min {
			slot := cur.Durable().Slot(int(mid))
			if err := node.Destruct(h.pool, slot, h.tgt); err != nil {
				return err
			}
			mid++
		}
		cur.SetMid(mid)
		if mid < node.Capacity || cur.Begin() < node.Capacity {
			return nil
		}

		if err := node.ExchangeHead(h.pool, h.tlf); err != nil {
			return err
		}
		nextVol, _ := cur.Next().Load()
		h.headVol = nextVol
		if h.tailVol == cur {
			h.tailVol = nextVol
		}
		if h.headVol == nil {
			return nil
		}
	}
}

// clearSweep unconditionally releases [begin, mid), then destructs and
// releases [mid, end) as each slot's epoch comes due, collapsing begin
// and mid together as it goes. It pops the node once fully drained.
func (h *ListHeader[T]) clearSweep(min uint64) error {
	for {
		cur := h.headVol
		begin, mid := cur.Begin(), cur.Mid()
		for i := begin; i < mid; i++ {
			if err := cur.Durable().Release(int(i)); err != nil {
				return err
			}
		}
		pos, end := mid, cur.End()
		for pos < end && cur.Epoch(int(pos)) < min {
			slot := cur.Durable().Slot(int(pos))
			if err := node.Destruct(h.pool, slot, h.tgt); err != nil {
				return err
			}
			if err := cur.Durable().Release(int(pos)); err != nil {
				return err
			}
			pos++
		}
		cur.SetBegin(pos)
		cur.SetMid(pos)
		if pos < node.Capacity {
			return nil
		}

		if err := node.ExchangeHead(h.pool, h.tlf); err != nil {
			return err
		}
		nextVol, _ := cur.Next().Load()
		h.headVol = nextVol
		if h.tailVol == cur {
			h.tailVol = nextVol
		}
		if h.headVol == nil {
			return nil
		}
	}
}
