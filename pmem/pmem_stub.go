//go:build !linux && !windows
// +build !linux,!windows

// File: pmem/pmem_stub.go
// Package pmem: fallback in-heap mapping for platforms without a real
// persistent-memory mapping path, matching pool/numa_stub.go's pattern of
// a functionally-equivalent but non-accelerated fallback.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pmem

import "os"

type stubMapping struct {
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
	buf := make([]byte, size)
	if info.Size() == 0 {
		created = true
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, false, err
		}
	} else {
		n, _ := f.ReadAt(buf, 0)
		buf = buf[:max(n, size)]
	}
	return &stubMapping{f: f, data: buf}, created, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m *stubMapping) bytes() []byte { return m.data }

func (m *stubMapping) persist(addr uintptr, size int) error {
	if int(addr)+size > len(m.data) {
		size = len(m.data) - int(addr)
	}
	if size <= 0 {
		return nil
	}
	_, err := m.f.WriteAt(m.data[addr:int(addr)+size], int64(addr))
	return err
}

func (m *stubMapping) close() error {
	if err := m.persist(0, len(m.data)); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}
