//go:build linux
// +build linux

// File: pmem/pmem_linux.go
// Package pmem: Linux-specific file-backed mmap, MAP_SHARED so writes are
// visible to any process reopening the same path after a crash.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pmem

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type linuxMapping struct {
	f    *os.File
	data []byte
}

func openMapping(path string, size int) (mapping, bool, error) {
	created := false
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}
	if info.Size() == 0 {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, err
		}
		created = true
	} else {
		size = int(info.Size())
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return &linuxMapping{f: f, data: data}, created, nil
}

func (m *linuxMapping) bytes() []byte { return m.data }

func (m *linuxMapping) persist(addr uintptr, size int) error {
	if int(addr)+size > len(m.data) {
		size = len(m.data) - int(addr)
	}
	if size <= 0 {
		return nil
	}
	// Msync only the affected page-aligned range, matching spec.md's
	// "a durability fence over exactly the affected cache line."
	const pageSize = 4096
	start := (addr / pageSize) * pageSize
	end := addr + uintptr(size)
	return unix.Msync(unsafeSlice(m.data, int(start), int(end-start)), unix.MS_SYNC)
}

func (m *linuxMapping) close() error {
	if err := syscall.Munmap(m.data); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}

// unsafeSlice narrows m.data to [start,end) for Msync's range argument
// without reallocating, clamped to the mapping's actual bounds.
func unsafeSlice(b []byte, start, end int) []byte {
	if start < 0 {
		start = 0
	}
	if end > len(b) {
		end = len(b)
	}
	if start >= end {
		return nil
	}
	return b[start:end]
}
