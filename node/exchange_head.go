// File: node/exchange_head.go
// ExchangeHead performs the crash-consistent pop of a TLF chain's first
// node, and Recover replays the reconciliation a crash mid-swap requires
// at startup. Grounded on core/concurrency/lock_free_queue.go's
// sequence-number CAS discipline, adapted to a two-field durable swap
// instead of an in-memory one.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package node

import (
	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/tlf"
)

// ExchangeHead pops the node at t.Head(), advancing the chain to that
// node's Next and freeing the popped node. A no-op if the chain is empty.
//
// Sequence, each step its own persist:
//  1. tmp_head = head                      (mirrors the node about to move)
//  2. head = next; tmp_head unchanged       (one Persist covers both, since
//     they share a cache line — this is the durability fence after which
//     the pop is visible)
//  3. persistent_free(old head)
//  4. tmp_head = null
//
// Recover (below) replays exactly this logic for a chain left mid-swap by
// a crash.
func ExchangeHead(pool api.Pool, t *tlf.View) error {
	head := t.Head()
	if head.IsNull() {
		return nil
	}
	cur, err := Open(pool, head)
	if err != nil {
		return err
	}
	next := cur.Next()

	if err := t.SetTmpHead(head); err != nil {
		return err
	}
	if err := t.SetHeadAndTmpHead(next, head); err != nil {
		return err
	}
	old := head
	if err := pool.PersistentFree(&old); err != nil {
		return err
	}
	return t.SetTmpHead(api.NullHandle)
}

// ReconcileHead replays the crash-recovery rule for a TLF's head/tmp_head
// pair: if they're equal, the swap hadn't advanced head yet and tmp_head
// is a harmless mirror — null it. Otherwise tmp_head is an orphaned old
// head that must be freed (a no-op if it's already null, i.e. the swap had
// already completed cleanly).
func ReconcileHead(pool api.Pool, t *tlf.View) error {
	head, tmp := t.Head(), t.TmpHead()
	if head.Equals(tmp) {
		return t.SetTmpHead(api.NullHandle)
	}
	if err := pool.PersistentFree(&tmp); err != nil {
		return err
	}
	return t.SetTmpHead(api.NullHandle)
}

// reconcileNodeTmp replays the same rule for a node's own tmp/next pair
// (spec.md §4.1 recovery step 2): a crash mid-way through a per-node pop
// leaves tmp as either a harmless mirror of the still-current next (null
// it) or an orphaned predecessor (free it, then null it).
func reconcileNodeTmp(pool api.Pool, d *Durable) error {
	next, tmp := d.Next(), d.Tmp()
	if next.Equals(tmp) {
		return d.SetTmp(api.NullHandle)
	}
	if err := pool.PersistentFree(&tmp); err != nil {
		return err
	}
	return d.SetTmp(api.NullHandle)
}

// ReleaseAllGarbages performs the spec's startup recovery sweep over one
// thread's entire chain (spec §4.1 "release_all_garbages"; original
// GarbageListInPMEM::ReleaseAllGarbages, garbage_list_in_pmem.cpp).
//
// It reconciles the TLF-level head/tmp_head swap first, then walks every
// node from the head onward: reconciles that node's own tmp/next pair,
// frees every slot that is non-null and not currently held in t's
// scratch array (t.ScratchHolds is the equality check that protects an
// in-flight allocation from being double-freed), and pops the node via
// ExchangeHead. ExchangeHead already frees the popped node and tolerates
// a null Next, so the loop naturally terminates with t.Head() left null
// once the last node is gone — no destructor runs on anything freed
// here, since recovery forgoes the destruct-then-release optimization
// and simply reclaims storage.
func ReleaseAllGarbages(pool api.Pool, t *tlf.View) error {
	if err := ReconcileHead(pool, t); err != nil {
		return err
	}

	for {
		head := t.Head()
		if head.IsNull() {
			return nil
		}
		cur, err := Open(pool, head)
		if err != nil {
			return err
		}
		if err := reconcileNodeTmp(pool, cur); err != nil {
			return err
		}
		for i := 0; i < Capacity; i++ {
			h := cur.Slot(i)
			if h.IsNull() || t.ScratchHolds(h) {
				continue
			}
			if err := pool.PersistentFree(&h); err != nil {
				return err
			}
		}
		if err := ExchangeHead(pool, t); err != nil {
			return err
		}
	}
}

// Recover is the engine's startup entry point for one thread's TLF: see
// ReleaseAllGarbages.
func Recover(pool api.Pool, t *tlf.View) error {
	return ReleaseAllGarbages(pool, t)
}
