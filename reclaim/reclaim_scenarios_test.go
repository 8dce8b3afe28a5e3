// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT
//
// Scenario coverage for spec.md §8: destructor-on-destroy, destructor-on-
// stop across multiple threads, epoch-guard protection, the bounded-
// allocation reuse cycle, recovery skipping scratch-held handles, and
// get-page-without-garbage. Iteration counts are scaled down from
// spec.md's reference 100 000 for test runtime; scenarios 1, 2, 5 and 6
// run at a size that forces multiple chain nodes (node.Capacity == 252),
// while scenario 3 stays within one node per writer.
//
// The engine and the test objects share one pool, and each registered
// target's TLF array stays allocated across StopGC/Close (TLFs persist
// across sessions), so "pool empty" below means exactly one live
// allocation per registered target.

package reclaim

import (
	"sync"
	"testing"

	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/epoch"
	"github.com/momentics/pmem-reclaim/fake"
	"github.com/momentics/pmem-reclaim/node"
	"github.com/momentics/pmem-reclaim/target"
	"github.com/momentics/pmem-reclaim/threadid"
)

// engineRetire allocates a size-byte object, retires it through
// (targetIdx, threadID)'s scratchIdx slot, and returns the handle. Failures
// are reported via t.Errorf so it is safe to call from worker goroutines.
func engineRetire(t *testing.T, e *Engine, pool *fake.Pool, targetIdx, threadID, scratchIdx, size int) api.Handle {
	t.Helper()
	slot, err := e.TmpSlot(targetIdx, threadID, scratchIdx)
	if err != nil {
		t.Errorf("TmpSlot: %v", err)
		return api.NullHandle
	}
	var h api.Handle
	if err := pool.AllocZeroed(&h, size); err != nil {
		t.Errorf("AllocZeroed: %v", err)
		return api.NullHandle
	}
	if err := slot.Set(h); err != nil {
		t.Errorf("slot.Set: %v", err)
		return api.NullHandle
	}
	if err := e.Retire(targetIdx, threadID, slot); err != nil {
		t.Errorf("Retire: %v", err)
		return api.NullHandle
	}
	return h
}

// Scenario 1: destructor-on-destroy, single thread.
func TestDestructorOnDestroySingleThread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 1
	e, pool, threadMgr := newTestEngine(t, cfg)

	var mu sync.Mutex
	destructed := 0
	tgt := target.Target[int]{
		Name:     "destroy-single",
		Destruct: func(int) { mu.Lock(); destructed++; mu.Unlock() },
	}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	tid, _ := threadMgr.Acquire()
	threadMgr.Heartbeat(tid)

	const n = node.Capacity*3 + 7
	for i := 0; i < n; i++ {
		engineRetire(t, e, pool, idx, tid, 0, 8)
	}

	// Nothing was ever swept: every handle is still outstanding, at or
	// near the final epoch, when the engine is destroyed.
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	got := destructed
	mu.Unlock()
	if got != n {
		t.Fatalf("destructed = %d, want %d", got, n)
	}
	if stats, want := pool.Stats(), len(e.headers); stats.Live != want {
		t.Fatalf("pool not empty after Close: %+v, want %d live TLF arrays", stats, want)
	}
}

// Scenario 2: destructor-on-stop, multiple threads.
func TestDestructorOnStopMultiThread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)

	var mu sync.Mutex
	destructed := 0
	tgt := target.Target[int]{
		Name:     "destroy-multi",
		Destruct: func(int) { mu.Lock(); destructed++; mu.Unlock() },
	}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	const threads = 4
	const perThread = 300
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		tid, _ := threadMgr.Acquire()
		threadMgr.Heartbeat(tid)
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for j := 0; j < perThread; j++ {
				engineRetire(t, e, pool, idx, tid, 0, 8)
			}
		}(tid)
	}
	wg.Wait()

	if err := e.StopGC(); err != nil {
		t.Fatalf("StopGC: %v", err)
	}

	mu.Lock()
	got := destructed
	mu.Unlock()
	if want := threads * perThread; got != want {
		t.Fatalf("destructed = %d, want %d", got, want)
	}
	if stats, want := pool.Stats(), len(e.headers); stats.Live != want {
		t.Fatalf("pool not empty after StopGC: %+v, want %d live TLF arrays", stats, want)
	}
}

// Scenario 3: an epoch guard protects garbage from a normal cleaning pass
// until it is released, after which StopGC's force-drain clears everything
// regardless of the (by then released) guard.
func TestEpochGuardProtectsAcrossStopGC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)

	var mu sync.Mutex
	destructed := 0
	tgt := target.Target[int]{
		Name:     "guarded",
		Destruct: func(int) { mu.Lock(); destructed++; mu.Unlock() },
	}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	guardTid, _ := threadMgr.Acquire()
	threadMgr.Heartbeat(guardTid)
	guard := e.EpochGuard(guardTid)

	const writers = 3
	const perThread = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		tid, _ := threadMgr.Acquire()
		threadMgr.Heartbeat(tid)
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for j := 0; j < perThread; j++ {
				engineRetire(t, e, pool, idx, tid, 0, 8)
			}
		}(tid)
	}
	wg.Wait()

	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	mu.Lock()
	stillNone := destructed == 0
	mu.Unlock()
	if !stillNone {
		t.Fatalf("finalizers ran while the epoch guard was held: %d", destructed)
	}
	if stats := pool.Stats(); stats.Live == 0 {
		t.Fatalf("garbage released while an epoch guard was held")
	}

	guard.Release()
	if err := e.StopGC(); err != nil {
		t.Fatalf("StopGC: %v", err)
	}

	mu.Lock()
	got := destructed
	mu.Unlock()
	if want := writers * perThread; got != want {
		t.Fatalf("destructed = %d, want %d", got, want)
	}
	if stats, want := pool.Stats(), len(e.headers); stats.Live != want {
		t.Fatalf("pool not empty after guard release + StopGC: %+v, want %d live TLF arrays", stats, want)
	}
}

// Scenario 4: reuse cycle. A single thread repeatedly claims a reusable
// page if one is available, otherwise allocates, then retires the
// previous occupant — the number of pool.AllocZeroed calls should stay far
// below the iteration count.
func TestReuseCycleBoundsAllocatorCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 1
	e, pool, threadMgr := newTestEngine(t, cfg)

	tgt := target.Target[int]{Name: "reuse-cycle", ReusePages: true, Destruct: func(int) {}}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	tid, _ := threadMgr.Acquire()
	threadMgr.Heartbeat(tid)

	const iterations = 2000
	var current api.Handle
	for i := 0; i < iterations; i++ {
		reuseOut, err := e.TmpSlot(idx, tid, 1)
		if err != nil {
			t.Fatalf("TmpSlot: %v", err)
		}
		ok, err := e.GetReusable(idx, tid, reuseOut)
		if err != nil {
			t.Fatalf("GetReusable: %v", err)
		}

		var next api.Handle
		if ok {
			next = reuseOut.Get()
		} else if err := pool.AllocZeroed(&next, 8); err != nil {
			t.Fatalf("AllocZeroed: %v", err)
		}

		if !current.IsNull() {
			src, err := e.TmpSlot(idx, tid, 0)
			if err != nil {
				t.Fatalf("TmpSlot: %v", err)
			}
			if err := src.Set(current); err != nil {
				t.Fatalf("src.Set: %v", err)
			}
			if err := e.Retire(idx, tid, src); err != nil {
				t.Fatalf("Retire: %v", err)
			}
		}
		current = next

		if i%50 == 49 {
			if err := e.SweepOnce(); err != nil {
				t.Fatalf("SweepOnce: %v", err)
			}
			if err := e.SweepOnce(); err != nil {
				t.Fatalf("SweepOnce: %v", err)
			}
		}
	}

	stats := pool.Stats()
	if stats.Allocs >= int64(iterations) {
		t.Fatalf("reuse cycle allocated as often as a naive alloc-every-time loop: allocs=%d iterations=%d", stats.Allocs, iterations)
	}
}

// Scenario 5: recovery releases exactly the handles not present in any
// scratch slot, and mutator operations proceed normally afterward.
func TestRecoverySkipsScratchHeldHandles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 2
	pool := fake.NewPool()

	epochMgr1 := epoch.NewManager(cfg.MaxThreads)
	threadMgr1 := threadid.NewManager(cfg.MaxThreads)
	e1, err := New(pool, epochMgr1, threadMgr1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tid, _ := threadMgr1.Acquire()
	threadMgr1.Heartbeat(tid)

	const n = node.Capacity*4 + 5
	var first api.Handle
	for i := 0; i < n; i++ {
		h := engineRetire(t, e1, pool, 0, tid, 0, 8)
		if i == 0 {
			first = h
		}
	}

	// Simulate a thread that allocated into scratch but crashed before
	// installing the handle into the chain.
	scratchSlot, err := e1.TmpSlot(0, tid, 5)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	var inFlight api.Handle
	if err := pool.AllocZeroed(&inFlight, 8); err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}
	if err := scratchSlot.Set(inFlight); err != nil {
		t.Fatalf("scratchSlot.Set: %v", err)
	}

	// "Kill the process, reopen the pool": a fresh engine bound to the
	// same pool re-runs node.Recover on every target's TLF array.
	epochMgr2 := epoch.NewManager(cfg.MaxThreads)
	threadMgr2 := threadid.NewManager(cfg.MaxThreads)
	e2, err := New(pool, epochMgr2, threadMgr2, cfg)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}

	if _, err := pool.Deref(first); err == nil {
		t.Fatalf("recovery should have released a handle not held in scratch")
	}
	if _, err := pool.Deref(inFlight); err != nil {
		t.Fatalf("recovery freed a handle still parked in scratch: %v", err)
	}

	tid2, _ := threadMgr2.Acquire()
	threadMgr2.Heartbeat(tid2)
	h2 := engineRetire(t, e2, pool, 0, tid2, 0, 8)
	if err := e2.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce after reopen: %v", err)
	}
	if err := e2.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce after reopen: %v", err)
	}
	if _, err := pool.Deref(h2); err == nil {
		t.Fatalf("post-recovery retire+sweep did not reclaim the handle")
	}
}

// Scenario 6: get_reusable returns nothing before any retirement, and
// exactly node.Capacity successful calls follow retiring and clearing a
// full node's worth of garbage.
func TestGetPageWithoutGarbageEngineLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 1
	e, pool, threadMgr := newTestEngine(t, cfg)

	tgt := target.Target[int]{Name: "get-page", ReusePages: true, Destruct: func(int) {}}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}

	tid, _ := threadMgr.Acquire()
	threadMgr.Heartbeat(tid)

	out, err := e.TmpSlot(idx, tid, 1)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	if ok, err := e.GetReusable(idx, tid, out); err != nil {
		t.Fatalf("GetReusable: %v", err)
	} else if ok {
		t.Fatalf("expected no reusable page before any retirement")
	}

	for i := 0; i < node.Capacity; i++ {
		engineRetire(t, e, pool, idx, tid, 0, 8)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	successes := 0
	for {
		ok, err := e.GetReusable(idx, tid, out)
		if err != nil {
			t.Fatalf("GetReusable: %v", err)
		}
		if !ok {
			break
		}
		successes++
	}
	if successes != node.Capacity {
		t.Fatalf("successes = %d, want %d", successes, node.Capacity)
	}
}
