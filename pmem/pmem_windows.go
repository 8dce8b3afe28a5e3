//go:build windows
// +build windows

// File: pmem/pmem_windows.go
// Package pmem: Windows-specific file-backed mapping via CreateFileMapping
// / MapViewOfFile, mirroring pool/bufferpool_windows.go's use of
// golang.org/x/sys/windows for kernel32 calls.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pmem

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsMapping struct {
	f       *os.File
	handle  windows.Handle
	addr    uintptr
	data    []byte
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

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil,
		windows.PAGE_READWRITE, 0, uint32(size), nil)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		f.Close()
		return nil, false, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &windowsMapping{f: f, handle: h, addr: addr, data: data}, created, nil
}

func (m *windowsMapping) bytes() []byte { return m.data }

func (m *windowsMapping) persist(addr uintptr, size int) error {
	base := uintptr(unsafe.Pointer(&m.data[0]))
	return windows.FlushViewOfFile(base+addr, uintptr(size))
}

func (m *windowsMapping) close() error {
	if err := windows.UnmapViewOfFile(m.addr); err != nil {
		windows.CloseHandle(m.handle)
		m.f.Close()
		return err
	}
	windows.CloseHandle(m.handle)
	return m.f.Close()
}
