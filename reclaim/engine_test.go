// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package reclaim

import (
	"sync"
	"testing"
	"time"

	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/epoch"
	"github.com/momentics/pmem-reclaim/fake"
	"github.com/momentics/pmem-reclaim/target"
	"github.com/momentics/pmem-reclaim/threadid"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fake.Pool, *threadid.Manager) {
	t.Helper()
	pool := fake.NewPool()
	epochMgr := epoch.NewManager(cfg.MaxThreads)
	threadMgr := threadid.NewManager(cfg.MaxThreads)
	e, err := New(pool, epochMgr, threadMgr, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, pool, threadMgr
}

func TestDefaultTargetRegisteredAtIndexZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, _, _ := newTestEngine(t, cfg)
	if len(e.headers) != 1 {
		t.Fatalf("expected 1 registered target, got %d", len(e.headers))
	}
	if e.names[0] != target.Default.Name {
		t.Fatalf("target 0 name = %q, want %q", e.names[0], target.Default.Name)
	}
}

func TestRetireAndSweepReleasesDefaultTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)

	tid, _ := threadMgr.Acquire()
	threadMgr.Heartbeat(tid)

	slot, err := e.TmpSlot(0, tid, 0)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	var payload api.Handle
	if err := pool.AllocZeroed(&payload, 32); err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}
	if err := slot.Set(payload); err != nil {
		t.Fatalf("slot.Set: %v", err)
	}
	if err := e.Retire(0, tid, slot); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce (first pass): %v", err)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	if _, err := pool.Deref(payload); err == nil {
		t.Fatalf("expected retired object to have been released")
	}
}

func TestRegisterTargetWithReuseAndGetReusable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)

	var mu sync.Mutex
	var destructedCount int
	tgt := target.Target[int]{
		Name:       "pages",
		ReusePages: true,
		Destruct: func(int) {
			mu.Lock()
			destructedCount++
			mu.Unlock()
		},
	}
	idx, err := RegisterTarget(e, tgt)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1 (index 0 is Default)", idx)
	}

	tid, _ := threadMgr.Acquire()
	slot, err := e.TmpSlot(idx, tid, 0)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	var payload api.Handle
	if err := pool.AllocZeroed(&payload, 16); err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}
	if err := slot.Set(payload); err != nil {
		t.Fatalf("slot.Set: %v", err)
	}
	if err := e.Retire(idx, tid, slot); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	mu.Lock()
	count := destructedCount
	mu.Unlock()
	if count != 1 {
		t.Fatalf("destructedCount = %d, want 1", count)
	}

	out, err := e.TmpSlot(idx, tid, 1)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	ok, err := e.GetReusable(idx, tid, out)
	if err != nil {
		t.Fatalf("GetReusable: %v", err)
	}
	if !ok {
		t.Fatalf("expected a reusable page to be available")
	}
	if out.Get().IsNull() {
		t.Fatalf("reclaimed page handle should not be null")
	}
}

func TestUnreleasedScratchReflectsInFlightAllocations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)
	tid, _ := threadMgr.Acquire()

	slot, err := e.TmpSlot(0, tid, 2)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	var h api.Handle
	if err := pool.AllocZeroed(&h, 8); err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}
	if err := slot.Set(h); err != nil {
		t.Fatalf("slot.Set: %v", err)
	}

	held, err := e.UnreleasedScratch(0, tid)
	if err != nil {
		t.Fatalf("UnreleasedScratch: %v", err)
	}
	if len(held) != 1 || held[0] != h {
		t.Fatalf("UnreleasedScratch = %v, want [%v]", held, h)
	}
}

func TestStartStopGCLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 2
	cfg.CleanerCount = 1
	cfg.DriverInterval = 5 * time.Millisecond
	e, _, _ := newTestEngine(t, cfg)

	if err := e.StartGC(); err != nil {
		t.Fatalf("StartGC: %v", err)
	}
	if err := e.StartGC(); err == nil {
		t.Fatalf("expected double StartGC to fail")
	}
	time.Sleep(20 * time.Millisecond)
	if err := e.StopGC(); err != nil {
		t.Fatalf("StopGC: %v", err)
	}
	if err := e.StopGC(); err != nil {
		t.Fatalf("StopGC (idempotent): %v", err)
	}
	if err := e.StartGC(); err != nil {
		t.Fatalf("StartGC after stop (restart): %v", err)
	}
	if err := e.StopGC(); err != nil {
		t.Fatalf("final StopGC: %v", err)
	}
}

func TestEpochGuardBlocksSweepUntilReleased(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 4
	e, pool, threadMgr := newTestEngine(t, cfg)
	tid, _ := threadMgr.Acquire()

	slot, err := e.TmpSlot(0, tid, 0)
	if err != nil {
		t.Fatalf("TmpSlot: %v", err)
	}
	var payload api.Handle
	if err := pool.AllocZeroed(&payload, 16); err != nil {
		t.Fatalf("AllocZeroed: %v", err)
	}
	if err := slot.Set(payload); err != nil {
		t.Fatalf("slot.Set: %v", err)
	}
	if err := e.Retire(0, tid, slot); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	// A reader pinned before the object's retirement epoch advances
	// blocks reclamation globally, regardless of which thread id it is
	// tracked under — epoch visibility is a single shared counter, not
	// per-target or per-thread.
	guard := e.EpochGuard(1)
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if _, err := pool.Deref(payload); err != nil {
		t.Fatalf("object reclaimed while still visible to an active reader")
	}

	guard.Release()
	if err := e.SweepOnce(); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if _, err := pool.Deref(payload); err == nil {
		t.Fatalf("expected reclamation to proceed once the reader released")
	}
}

func TestRegisterTargetExhaustionIsReported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTargets = 1
	cfg.MaxThreads = 2
	e, _, _ := newTestEngine(t, cfg)
	if _, err := RegisterTarget(e, target.Target[int]{Name: "overflow"}); err == nil {
		t.Fatalf("expected target registry exhaustion error")
	}
}
