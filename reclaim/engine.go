// File: reclaim/engine.go
// Package reclaim assembles the pool, epoch manager, thread-ID manager,
// and per-target list headers into the top-level reclamation engine: the
// driver that forwards the epoch and the cleaner pool that sweeps garbage.
// Lifecycle (New/StartGC/StopGC/Close, started-bool idempotency guard,
// "[reclaim] ..." logging) is grounded on the facade package's
// Config/New/Start/Stop convention; the worker pool is grounded on
// core/concurrency/executor.go's stopCh/wg worker-loop discipline.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reclaim

import (
	"encoding/binary"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/momentics/pmem-reclaim/affinity"
	"github.com/momentics/pmem-reclaim/api"
	"github.com/momentics/pmem-reclaim/control"
	"github.com/momentics/pmem-reclaim/header"
	"github.com/momentics/pmem-reclaim/internal/normalize"
	"github.com/momentics/pmem-reclaim/node"
	"github.com/momentics/pmem-reclaim/target"
	"github.com/momentics/pmem-reclaim/tlf"
)

const rootHandleSize = 16

func readRootHandle(b []byte) api.Handle {
	return api.Handle{PoolID: binary.LittleEndian.Uint32(b[0:4]), Offset: binary.LittleEndian.Uint64(b[8:16])}
}

func writeRootHandle(b []byte, h api.Handle) {
	binary.LittleEndian.PutUint32(b[0:4], h.PoolID)
	binary.LittleEndian.PutUint64(b[8:16], h.Offset)
}

type workItem struct {
	targetIdx int
	threadID  int
}

// Engine is the reclamation engine: one pool, one epoch manager, one
// thread-ID manager, and an arbitrary (compile-time-registered) set of
// reclamation targets, each with its own per-thread chain of retired
// buffers.
type Engine struct {
	pool      api.Pool
	epochMgr  api.EpochManager
	threadMgr api.ThreadIDManager
	cfg       Config

	cfgStore *control.ConfigStore
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes

	regMu   sync.Mutex
	headers [][]header.Header // [targetIdx][threadID]
	views   [][]*tlf.View     // [targetIdx][threadID]
	names   []string

	gcMu    sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	intervalMu sync.Mutex
	interval   time.Duration

	driverPinner   *affinity.Pinner
	cleanerPinners []*affinity.Pinner
}

// var _ assertions: Engine is the concrete type embedding applications
// program against when they want the generic control/shutdown contracts
// instead of Engine's own named methods.
var (
	_ api.Control          = (*Engine)(nil)
	_ api.GracefulShutdown = (*Engine)(nil)
)

// New constructs an Engine and registers the always-present Default
// target as target index 0.
func New(pool api.Pool, epochMgr api.EpochManager, threadMgr api.ThreadIDManager, cfg Config) (*Engine, error) {
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = 1
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	if cfg.CleanerCount <= 0 {
		cfg.CleanerCount = 1
	}
	if cfg.DriverInterval <= 0 {
		cfg.DriverInterval = DefaultConfig().DriverInterval
	}
	cfg.DriverCPU = normalize.CPUIndexAuto(cfg.DriverCPU)
	for i, c := range cfg.CleanerCPUs {
		cfg.CleanerCPUs[i] = normalize.CPUIndexAuto(c)
	}

	e := &Engine{
		pool:      pool,
		epochMgr:  epochMgr,
		threadMgr: threadMgr,
		cfg:       cfg,
		cfgStore:  control.NewConfigStore(),
		metrics:   control.NewMetricsRegistry(),
		probes:    control.NewDebugProbes(),
		interval:  cfg.DriverInterval,
	}
	control.RegisterPlatformProbes(e.probes)
	e.probes.RegisterProbe("reclaim.targets", func() any {
		e.regMu.Lock()
		defer e.regMu.Unlock()
		out := make([]string, len(e.names))
		copy(out, e.names)
		return out
	})
	e.probes.RegisterProbe("reclaim.affinity", func() any {
		e.gcMu.Lock()
		defer e.gcMu.Unlock()
		out := make(map[string]any, 1+len(e.cleanerPinners))
		if e.driverPinner != nil {
			cpu, numa, _ := e.driverPinner.Get()
			out["driver"] = [2]int{cpu, numa}
		}
		for i, p := range e.cleanerPinners {
			cpu, numa, _ := p.Get()
			out[fmt.Sprintf("cleaner_%d", i)] = [2]int{cpu, numa}
		}
		return out
	})
	e.cfgStore.OnReload(func() {
		snap := e.cfgStore.GetSnapshot()
		if us, ok := snap["interval_us"].(int64); ok && us > 0 {
			e.intervalMu.Lock()
			e.interval = time.Duration(us) * time.Microsecond
			e.intervalMu.Unlock()
			log.Printf("[reclaim] driver interval hot-reloaded to %s", e.interval)
		}
	})

	if _, err := RegisterTarget(e, target.Default); err != nil {
		return nil, err
	}
	return e, nil
}

// Config exposes the per-instance config store backing hot-reload (e.g.
// "interval_us") for wiring into an application's own config surface.
func (e *Engine) Config() *control.ConfigStore { return e.cfgStore }

// Metrics exposes the engine's runtime metrics registry.
func (e *Engine) Metrics() *control.MetricsRegistry { return e.metrics }

// Debug exposes the engine's debug probe registry.
func (e *Engine) Debug() *control.DebugProbes { return e.probes }

// GetConfig, SetConfig, Stats, OnReload, and RegisterDebugProbe satisfy
// api.Control by delegating to the engine's own per-instance config,
// metrics, and probe registries (see Config/Metrics/Debug above), so an
// embedding application can program against the generic contract instead
// of this engine's own named accessors.
func (e *Engine) GetConfig() map[string]any { return e.cfgStore.GetSnapshot() }

func (e *Engine) SetConfig(cfg map[string]any) error {
	e.cfgStore.SetConfig(cfg)
	return nil
}

func (e *Engine) Stats() map[string]any { return e.metrics.GetSnapshot() }

func (e *Engine) OnReload(fn func()) { e.cfgStore.OnReload(fn) }

func (e *Engine) RegisterDebugProbe(name string, fn func() any) { e.probes.RegisterProbe(name, fn) }

// RegisterTarget adds a new reclamation target and allocates its per-
// thread TLF array in the pool (or reopens it, if the pool already
// carries one from a prior run). Returns the target's index for use with
// Retire/GetReusable/UnreleasedScratch/TmpSlot. Must be called before
// StartGC; registering after the driver is running is not supported.
func RegisterTarget[T any](e *Engine, tgt target.Target[T]) (int, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	idx := len(e.headers)
	if idx >= e.cfg.MaxTargets {
		return 0, api.NewError(api.ErrCodeInvalidArgument, "target registry exhausted").
			WithContext("max_targets", e.cfg.MaxTargets)
	}

	rootBuf, rootOff, err := e.pool.Root(e.cfg.MaxTargets * rootHandleSize)
	if err != nil {
		return 0, err
	}
	slot := rootBuf[idx*rootHandleSize : (idx+1)*rootHandleSize]
	arrHandle := readRootHandle(slot)
	arraySize := e.cfg.MaxThreads * tlf.Size
	if arrHandle.IsNull() {
		if err := e.pool.AllocZeroed(&arrHandle, arraySize); err != nil {
			return 0, err
		}
		writeRootHandle(slot, arrHandle)
		if err := e.pool.Persist(rootOff+uintptr(idx*rootHandleSize), rootHandleSize); err != nil {
			return 0, err
		}
	}

	arrBuf, err := e.pool.Deref(arrHandle)
	if err != nil {
		return 0, err
	}

	headers := make([]header.Header, e.cfg.MaxThreads)
	views := make([]*tlf.View, e.cfg.MaxThreads)
	for t := 0; t < e.cfg.MaxThreads; t++ {
		off := t * tlf.Size
		view := tlf.NewView(e.pool, uintptr(arrHandle.Offset)+uintptr(off), arrBuf[off:off+tlf.Size])
		if err := node.Recover(e.pool, view); err != nil {
			return 0, err
		}
		views[t] = view
		headers[t] = header.New(e.pool, view, tgt)
	}

	e.headers = append(e.headers, headers)
	e.views = append(e.views, views)
	e.names = append(e.names, tgt.Name)
	return idx, nil
}

func (e *Engine) checkBounds(targetIdx, threadID int) error {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if targetIdx < 0 || targetIdx >= len(e.headers) {
		return api.NewError(api.ErrCodeInvalidArgument, "unknown target index").WithContext("target", targetIdx)
	}
	if threadID < 0 || threadID >= e.cfg.MaxThreads {
		return api.NewError(api.ErrCodeInvalidArgument, "thread id out of range").WithContext("thread", threadID)
	}
	return nil
}

// TmpSlot returns scratch slot scratchIdx of threadID's TLF for target,
// for use as the allocation destination ahead of Retire.
func (e *Engine) TmpSlot(targetIdx, threadID, scratchIdx int) (node.HandleSlot, error) {
	if err := e.checkBounds(targetIdx, threadID); err != nil {
		return nil, err
	}
	if scratchIdx < 0 || scratchIdx >= tlf.ScratchCount {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "scratch index out of range")
	}
	return e.views[targetIdx][threadID].ScratchRef(scratchIdx), nil
}

// Retire hands src's handle to threadID's chain for target, stamped with
// the engine's current epoch.
func (e *Engine) Retire(targetIdx, threadID int, src node.HandleSlot) error {
	if err := e.checkBounds(targetIdx, threadID); err != nil {
		return err
	}
	return e.headers[targetIdx][threadID].Retire(src, e.epochMgr.CurrentEpoch())
}

// GetReusable claims a destructed-but-unreclaimed page into out, if one is
// available for this (target, thread).
func (e *Engine) GetReusable(targetIdx, threadID int, out node.HandleSlot) (bool, error) {
	if err := e.checkBounds(targetIdx, threadID); err != nil {
		return false, err
	}
	return e.headers[targetIdx][threadID].GetPageIfPossible(out)
}

// UnreleasedScratch lists every handle currently parked in threadID's
// scratch slots for target.
func (e *Engine) UnreleasedScratch(targetIdx, threadID int) ([]api.Handle, error) {
	if err := e.checkBounds(targetIdx, threadID); err != nil {
		return nil, err
	}
	return e.views[targetIdx][threadID].UnreleasedScratch(), nil
}

// EpochGuard opens a protected-read window for threadID.
func (e *Engine) EpochGuard(threadID int) api.EpochGuard { return e.epochMgr.AcquireGuard(threadID) }

// SweepOnce synchronously forwards the epoch and runs one full cleaning
// pass across every registered target and thread, without requiring the
// background driver to be running. Useful for deterministic tests and for
// embedding applications that prefer to drive reclamation from their own
// scheduler instead of the built-in ticker.
func (e *Engine) SweepOnce() error {
	epoch := e.epochMgr.ForwardGlobalEpoch()
	e.metrics.Set("reclaim.epoch", epoch)

	e.regMu.Lock()
	targetCount, threadCount := len(e.headers), e.cfg.MaxThreads
	e.regMu.Unlock()

	for ti := 0; ti < targetCount; ti++ {
		for tid := 0; tid < threadCount; tid++ {
			alive := e.threadMgr.IsBound(tid)
			if err := e.headers[ti][tid].ClearGarbage(alive, e.epochMgr); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartGC launches the driver and cleaner goroutines. Calling it while
// already running returns an error; calling it again after StopGC is
// supported.
func (e *Engine) StartGC() error {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()
	if e.running {
		return api.NewError(api.ErrCodeInvalidArgument, "gc already running")
	}

	e.stopCh = make(chan struct{})
	work := newWorkRing(uint64(e.cfg.CleanerCount * 4))
	e.driverPinner = affinity.NewPinner()
	e.cleanerPinners = make([]*affinity.Pinner, e.cfg.CleanerCount)
	e.wg.Add(e.cfg.CleanerCount + 1)
	for i := 0; i < e.cfg.CleanerCount; i++ {
		cpu := -1
		if i < len(e.cfg.CleanerCPUs) {
			cpu = e.cfg.CleanerCPUs[i]
		}
		e.cleanerPinners[i] = affinity.NewPinner()
		go e.cleanerLoop(i, cpu, work, e.stopCh)
	}
	go e.driverLoop(work, e.stopCh)
	e.running = true
	log.Printf("[reclaim] gc started: targets=%d threads=%d cleaners=%d interval=%s",
		len(e.headers), e.cfg.MaxThreads, e.cfg.CleanerCount, e.cfg.DriverInterval)
	return nil
}

// StopGC signals the driver and cleaners to exit, waits for them, and then
// force-drains every registered target's chain under an unconditionally
// maximal epoch (spec §4.3, §7; original's DestroyGarbageLists): every
// handle still retired at shutdown is destructed and freed instead of
// being left for a reader epoch that will never advance again. Safe to
// call whether or not the background driver was ever started, and
// idempotent — a second call finds every header already drained.
func (e *Engine) StopGC() error {
	e.gcMu.Lock()
	if e.running {
		close(e.stopCh)
		e.wg.Wait()
		e.running = false
		log.Printf("[reclaim] gc stopped")
	}
	e.gcMu.Unlock()
	return e.drainAll()
}

// drainAll force-drains every registered (target, thread) header. Callers
// must have already joined the driver and cleaner goroutines so nothing
// else touches these headers concurrently.
func (e *Engine) drainAll() error {
	e.regMu.Lock()
	var headers []header.Header
	for _, ths := range e.headers {
		headers = append(headers, ths...)
	}
	e.regMu.Unlock()

	for _, h := range headers {
		if err := h.Drain(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the driver if running, force-drains every header, and
// closes the underlying pool.
func (e *Engine) Close() error {
	if err := e.StopGC(); err != nil {
		return err
	}
	return e.pool.Close()
}

// Shutdown satisfies api.GracefulShutdown for embedding applications that
// program against the generic shutdown contract instead of calling Close
// directly.
func (e *Engine) Shutdown() error { return e.Close() }

func (e *Engine) currentInterval() time.Duration {
	e.intervalMu.Lock()
	defer e.intervalMu.Unlock()
	return e.interval
}

func (e *Engine) driverLoop(work api.Ring[workItem], stopCh <-chan struct{}) {
	defer e.wg.Done()
	if e.cfg.DriverCPU >= 0 {
		runtime.LockOSThread()
		if err := e.driverPinner.Pin(e.cfg.DriverCPU, -1); err != nil {
			log.Printf("[reclaim] driver affinity pin failed: %v", err)
		}
	}

	ticker := time.NewTicker(e.currentInterval())
	defer ticker.Stop()
	lastInterval := e.currentInterval()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if iv := e.currentInterval(); iv != lastInterval {
				ticker.Reset(iv)
				lastInterval = iv
			}
			epoch := e.epochMgr.ForwardGlobalEpoch()
			e.metrics.Set("reclaim.epoch", epoch)

			e.regMu.Lock()
			targetCount, threadCount := len(e.headers), e.cfg.MaxThreads
			e.regMu.Unlock()

			for ti := 0; ti < targetCount; ti++ {
				for tid := 0; tid < threadCount; tid++ {
					item := workItem{targetIdx: ti, threadID: tid}
					for !work.Enqueue(item) {
						select {
						case <-stopCh:
							return
						default:
							runtime.Gosched()
						}
					}
				}
			}
		}
	}
}

func (e *Engine) cleanerLoop(id, cpu int, work api.Ring[workItem], stopCh <-chan struct{}) {
	defer e.wg.Done()
	if cpu >= 0 {
		runtime.LockOSThread()
		if err := e.cleanerPinners[id].Pin(cpu, -1); err != nil {
			log.Printf("[reclaim] cleaner %d affinity pin failed: %v", id, err)
		}
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		item, ok := work.Dequeue()
		if !ok {
			runtime.Gosched()
			continue
		}
		alive := e.threadMgr.IsBound(item.threadID)
		if err := e.headers[item.targetIdx][item.threadID].ClearGarbage(alive, e.epochMgr); err != nil {
			log.Printf("[reclaim] cleaner %d: target=%d thread=%d: %v", id, item.targetIdx, item.threadID, err)
		}
	}
}
