// File: node/durable.go
// Package node implements the retired-buffer node: a durable half
// (persistent slot array, next/tmp chain pointers) paired with a volatile
// half (lock-free indices). Grounded on core/concurrency/ring.go's
// cache-line-padded atomic cursors and pool/slab_pool.go's fixed-capacity,
// NUMA-aware slab bookkeeping, generalized from byte buffers to retired
// handle slots.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package node

import (
	"encoding/binary"

	"github.com/momentics/pmem-reclaim/api"
)

// Capacity is B: the number of retired-handle slots per node.
const Capacity = 252

const handleSize = 16

const (
	slotsBytes  = Capacity * handleSize
	nextOffset  = slotsBytes
	tmpOffset   = nextOffset + handleSize
	DurableSize = tmpOffset + handleSize
)

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

// HandleSlot is any durable location that can hold a single api.Handle,
// written and nulled with their own Persist calls. tlf.View.ScratchRef
// and Durable's own slot accessors both satisfy it, letting Retire and
// TakeReusable work uniformly over scratch slots and node slots.
type HandleSlot interface {
	Get() api.Handle
	Set(api.Handle) error
	SetNull() error
}

// Durable is the persistent half of one retired-buffer node.
type Durable struct {
	pool   api.Pool
	handle api.Handle
	buf    []byte // DurableSize bytes at pool.Deref(handle)
}

// Open binds a Durable view over an already-allocated node at h.
func Open(pool api.Pool, h api.Handle) (*Durable, error) {
	buf, err := pool.Deref(h)
	if err != nil {
		return nil, err
	}
	if len(buf) < DurableSize {
		return nil, api.NewError(api.ErrCodeRecoveryCorrupt, "node buffer too small").WithContext("handle", h.String())
	}
	return &Durable{pool: pool, handle: h, buf: buf[:DurableSize]}, nil
}

// New allocates and zeroes a fresh node.
func New(pool api.Pool) (*Durable, api.Handle, error) {
	var h api.Handle
	if err := pool.AllocZeroed(&h, DurableSize); err != nil {
		return nil, api.NullHandle, err
	}
	d, err := Open(pool, h)
	return d, h, err
}

// Handle returns this node's own durable address.
func (d *Durable) Handle() api.Handle { return d.handle }

func (d *Durable) persistRange(localOff, size int) error {
	return d.pool.Persist(uintptr(d.handle.Offset)+uintptr(localOff), size)
}

// Slot returns the handle currently stored at index i.
func (d *Durable) Slot(i int) api.Handle {
	off := i * handleSize
	return readHandle(d.buf[off : off+handleSize])
}

func (d *Durable) setSlot(i int, h api.Handle) error {
	off := i * handleSize
	writeHandle(d.buf[off:off+handleSize], h)
	return d.persistRange(off, handleSize)
}

// Next returns the handle of the chain's next node, or null at the tail.
func (d *Durable) Next() api.Handle { return readHandle(d.buf[nextOffset : nextOffset+handleSize]) }

// SetNext durably installs h as the next-node link.
func (d *Durable) SetNext(h api.Handle) error {
	writeHandle(d.buf[nextOffset:nextOffset+handleSize], h)
	return d.persistRange(nextOffset, handleSize)
}

// Tmp returns this node's own swap-scratch field. No forward-path
// operation writes it; recovery (reconcileNodeTmp) reconciles it against
// Next on every node it walks.
func (d *Durable) Tmp() api.Handle { return readHandle(d.buf[tmpOffset : tmpOffset+handleSize]) }

// SetTmp durably installs h into the node's own tmp field.
func (d *Durable) SetTmp(h api.Handle) error {
	writeHandle(d.buf[tmpOffset:tmpOffset+handleSize], h)
	return d.persistRange(tmpOffset, handleSize)
}

// slotRef adapts one durable slot index to HandleSlot so Retire and
// TakeReusable can share logic with scratch-backed callers.
type slotRef struct {
	d *Durable
	i int
}

func (s slotRef) Get() api.Handle       { return s.d.Slot(s.i) }
func (s slotRef) Set(h api.Handle) error { return s.d.setSlot(s.i, h) }
func (s slotRef) SetNull() error         { return s.d.setSlot(s.i, api.NullHandle) }

// SlotRef exposes slot i as a HandleSlot.
func (d *Durable) SlotRef(i int) HandleSlot { return slotRef{d, i} }

// Retire copies src's handle into slots[pos], persists it, then nulls src
// durably. After this call src is guaranteed null on durable media, so a
// crash between "allocate into src" and "install into structure" cannot
// leak it.
func (d *Durable) Retire(pos int, src HandleSlot) error {
	h := src.Get()
	if err := d.setSlot(pos, h); err != nil {
		return err
	}
	return src.SetNull()
}

// TakeReusable moves slots[pos] into out, persists out, then nulls
// slots[pos] and persists. Exactly one of (out, slot) is the current
// durable owner of the handle at every crash point.
func (d *Durable) TakeReusable(pos int, out HandleSlot) error {
	h := d.Slot(pos)
	if err := out.Set(h); err != nil {
		return err
	}
	return d.setSlot(pos, api.NullHandle)
}

// Release frees the allocator-owned storage addressed by slots[pos] (if
// any) and nulls the slot. The allocator is trusted to be crash-safe.
func (d *Durable) Release(pos int) error {
	h := d.Slot(pos)
	if h.IsNull() {
		return nil
	}
	if err := d.pool.PersistentFree(&h); err != nil {
		return err
	}
	return d.setSlot(pos, api.NullHandle)
}

// CreateNext allocates a zeroed successor node, links it as Next, and
// returns it.
func (d *Durable) CreateNext() (*Durable, api.Handle, error) {
	next, handle, err := New(d.pool)
	if err != nil {
		return nil, api.NullHandle, err
	}
	if err := d.SetNext(handle); err != nil {
		return nil, api.NullHandle, err
	}
	return next, handle, nil
}
