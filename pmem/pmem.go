// File: pmem/pmem.go
// Package pmem implements a concrete, testable api.Pool backed by a
// memory-mapped file, standing in for spec.md's "external persistent-memory
// allocator." Platform-specific mapping lives in pmem_linux.go,
// pmem_windows.go, and pmem_stub.go, mirroring the
// pool/bufferpool_linux.go / pool/bufferpool_windows.go / pool/numa_stub.go
// build-tag split in the wider pack.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pmem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/momentics/pmem-reclaim/api"
)

// magic tags a freshly-formatted pool so Open can detect a foreign file.
const magic = 0x504d454d52434c4d // "PMEMRCLM"

// headerSize is the fixed-size control block at offset 0 of the mapping:
// magic(8) + rootOffset(8) + rootSize(8) + bumpOffset(8) + numClasses*8 freelist heads.
const numSizeClasses = 12
const headerSize = 8 + 8 + 8 + 8 + numSizeClasses*8

// blockHeader is the permanent 8-byte size-class tag prefixed to every
// allocated block, so PersistentFree can recover the owning free list from
// a bare handle. It is written once at allocation and never overwritten —
// a freed block's link pointer lives in the payload area that follows it.
const blockHeader = 8

// sizeClasses mirrors pool/bufferpool.go's power-of-two class table, scaled
// down for node/TLF-sized allocations instead of network I/O buffers. Each
// entry is the total on-disk block size, header included.
var sizeClasses = [numSizeClasses]int{
	64, 128, 256, 512, 1024, 2048, 4096, 8192,
	16384, 32768, 65536, 131072,
}

func classFor(payloadSize int) (idx int, blockSize int, err error) {
	need := payloadSize + blockHeader
	for i, c := range sizeClasses {
		if need <= c {
			return i, c, nil
		}
	}
	return 0, 0, fmt.Errorf("pmem: payload %d exceeds largest class %d", payloadSize, sizeClasses[numSizeClasses-1]-blockHeader)
}

// mapping is the platform-provided memory-mapped region plus its close hook
// and durability primitive.
type mapping interface {
	bytes() []byte
	persist(addr uintptr, size int) error
	close() error
}

// Pool is the reference api.Pool implementation.
type Pool struct {
	mu  sync.Mutex
	m   mapping
	id  uint32
	cap int
}

var _ api.Pool = (*Pool)(nil)

// poolIDSeq assigns small distinguishing IDs to pools opened within one
// process; handles are only meaningful within the process that minted them
// for the lifetime of this reference implementation (cross-process pool
// identity is out of scope — spec.md Non-goals: no cross-pool references).
var poolIDSeq uint32

func nextPoolID() uint32 {
	poolIDSeq++
	return poolIDSeq
}

// Open opens or creates a pool-backed file at path sized to at least
// bytes, formats its header on first creation, and returns a ready Pool.
func Open(path string, bytes int) (*Pool, error) {
	if bytes < headerSize {
		bytes = headerSize
	}
	m, created, err := openMapping(path, bytes)
	if err != nil {
		return nil, api.NewError(api.ErrCodePoolUnavailable, "open pool").WithContext("path", path).WithContext("cause", err.Error())
	}
	p := &Pool{m: m, id: nextPoolID(), cap: len(m.bytes())}
	if created {
		p.format()
	} else if binary.LittleEndian.Uint64(m.bytes()[0:8]) != magic {
		m.close()
		return nil, api.NewError(api.ErrCodeRecoveryCorrupt, "pool header magic mismatch").WithContext("path", path)
	}
	return p, nil
}

func (p *Pool) format() {
	b := p.m.bytes()
	binary.LittleEndian.PutUint64(b[0:8], magic)
	binary.LittleEndian.PutUint64(b[8:16], 0)  // rootOffset, unset
	binary.LittleEndian.PutUint64(b[16:24], 0) // rootSize
	binary.LittleEndian.PutUint64(b[24:32], uint64(headerSize))
	for i := 0; i < numSizeClasses; i++ {
		binary.LittleEndian.PutUint64(b[32+i*8:40+i*8], 0)
	}
}

func (p *Pool) bumpOffset() uint64 { return binary.LittleEndian.Uint64(p.m.bytes()[24:32]) }
func (p *Pool) setBumpOffset(v uint64) {
	binary.LittleEndian.PutUint64(p.m.bytes()[24:32], v)
}
func (p *Pool) freeHead(class int) uint64 {
	off := 32 + class*8
	return binary.LittleEndian.Uint64(p.m.bytes()[off : off+8])
}
func (p *Pool) setFreeHead(class int, v uint64) {
	off := 32 + class*8
	binary.LittleEndian.PutUint64(p.m.bytes()[off:off+8], v)
}

func (p *Pool) writeHeader(blockOff uint64, class int) {
	binary.LittleEndian.PutUint64(p.m.bytes()[blockOff:blockOff+8], uint64(class))
}
func (p *Pool) readHeaderClass(blockOff uint64) int {
	return int(binary.LittleEndian.Uint64(p.m.bytes()[blockOff : blockOff+8]))
}

// AllocZeroed reserves at least size payload bytes, zeroes them, and
// writes the new handle (pointing at the payload, past the block header)
// into slot.
func (p *Pool) AllocZeroed(slot *api.Handle, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	class, blockSize, err := classFor(size)
	if err != nil {
		return api.NewError(api.ErrCodeAllocFailed, err.Error())
	}

	var blockOff uint64
	if head := p.freeHead(class); head != 0 {
		next := binary.LittleEndian.Uint64(p.m.bytes()[head+blockHeader : head+blockHeader+8])
		p.setFreeHead(class, next)
		blockOff = head
	} else {
		blockOff = p.bumpOffset()
		if int(blockOff)+blockSize > p.cap {
			return api.NewError(api.ErrCodeAllocFailed, "pool exhausted").
				WithContext("requested", size).WithContext("capacity", p.cap)
		}
		p.setBumpOffset(blockOff + uint64(blockSize))
		p.writeHeader(blockOff, class)
	}

	payloadOff := blockOff + blockHeader
	payload := p.m.bytes()[payloadOff : blockOff+uint64(blockSize)]
	for i := range payload {
		payload[i] = 0
	}
	*slot = api.Handle{PoolID: p.id, Offset: payloadOff}
	return nil
}

// PersistentFree returns the region addressed by *slot to its size class's
// free list, embedding the list link in the freed payload's first 8 bytes
// (the same crash-safe pointer-swap spirit as node.ExchangeHead),
// then nulls *slot.
func (p *Pool) PersistentFree(slot *api.Handle) error {
	if slot.IsNull() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	blockOff := slot.Offset - blockHeader
	class := p.readHeaderClass(blockOff)
	binary.LittleEndian.PutUint64(p.m.bytes()[slot.Offset:slot.Offset+8], p.freeHead(class))
	p.setFreeHead(class, blockOff)
	*slot = api.NullHandle
	return nil
}

// Deref resolves a handle to a byte slice view over its backing storage.
func (p *Pool) Deref(h api.Handle) ([]byte, error) {
	if h.IsNull() {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "deref of null handle")
	}
	if h.PoolID != p.id {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "cross-pool handle")
	}
	b := p.m.bytes()
	if int(h.Offset) >= len(b) {
		return nil, api.NewError(api.ErrCodeRecoveryCorrupt, "handle offset outside pool").WithContext("offset", h.Offset)
	}
	return b[h.Offset:], nil
}

// Persist forces [addr, addr+size) to stable media.
func (p *Pool) Persist(addr uintptr, size int) error {
	return p.m.persist(addr, size)
}

// Root returns the pool's fixed root region, allocating it on first use.
func (p *Pool) Root(size int) ([]byte, uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.m.bytes()
	rootOffset := binary.LittleEndian.Uint64(b[8:16])
	rootSize := binary.LittleEndian.Uint64(b[16:24])
	if rootOffset == 0 {
		off := p.bumpOffset()
		aligned := (off + 63) &^ 63
		if int(aligned)+size > p.cap {
			return nil, 0, api.NewError(api.ErrCodeAllocFailed, "no room for root region")
		}
		p.setBumpOffset(aligned + uint64(size))
		binary.LittleEndian.PutUint64(b[8:16], aligned)
		binary.LittleEndian.PutUint64(b[16:24], uint64(size))
		rootOffset, rootSize = aligned, uint64(size)
	} else if int(rootSize) < size {
		return nil, 0, api.NewError(api.ErrCodeRecoveryCorrupt, "root region smaller than requested")
	}
	return b[rootOffset : rootOffset+rootSize], uintptr(rootOffset), nil
}

// Close flushes and releases OS resources without freeing durable content.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m.close()
}

// PoolID returns the in-process identifier minted for this pool's handles.
func (p *Pool) PoolID() uint32 { return p.id }

// MaxPayload returns the largest single allocation this pool can serve.
func MaxPayload() int { return sizeClasses[numSizeClasses-1] - blockHeader }
