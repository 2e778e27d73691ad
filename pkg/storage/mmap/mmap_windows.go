//go:build windows

package mmap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapFile on Windows is a two-step process: CreateFileMapping followed by
// MapViewOfFile. DAX volumes are not detected, so the view is never treated
// as persistent memory.
func mapFile(f *os.File, offset int64, length int) (*Region, error) {
	end := uint64(offset) + uint64(length)
	hMap, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()),
		nil,
		windows.PAGE_READWRITE,
		uint32(end>>32),
		uint32(end&0xFFFFFFFF),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("CreateFileMapping failed: %w", err)
	}
	// The view keeps the mapping object alive.
	defer windows.CloseHandle(hMap)

	addr, err := windows.MapViewOfFile(hMap, windows.FILE_MAP_WRITE,
		uint32(uint64(offset)>>32), uint32(uint64(offset)&0xFFFFFFFF), uintptr(length))
	if err != nil {
		return nil, fmt.Errorf("MapViewOfFile failed: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return &Region{Data: data, Handle: f.Fd(), unmap: unmapView}, nil
}

func unmapView(data []byte) error {
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}
