// Package mmap maps file ranges into memory and reports whether the result
// is persistent memory that CPU stores reach directly.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

// ErrEmptyRange means a zero length was requested.
var ErrEmptyRange = errors.New("cannot map an empty range")

// Region is one mapped file range.
type Region struct {
	// Data is the mapped memory. It is valid until Unmap.
	Data []byte
	// IsPersistentMemory reports a DAX mapping: stores go straight to the
	// media without the page cache.
	IsPersistentMemory bool
	// Handle is the OS handle of the backing file, used for OS buffer flushes.
	Handle uintptr

	unmap func(data []byte) error
}

// Map maps length bytes of f starting at offset, read-write and shared.
// offset must be a multiple of the page size (the allocation granularity on
// Windows) and the range must lie inside the file.
func Map(f *os.File, offset int64, length int) (*Region, error) {
	if length <= 0 {
		return nil, ErrEmptyRange
	}
	r, err := mapFile(f, offset, length)
	if err != nil {
		return nil, fmt.Errorf("map %s [%d, +%d): %w", f.Name(), offset, length, err)
	}
	return r, nil
}

// Addr returns the start address of the region.
func (r *Region) Addr() uintptr {
	if len(r.Data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Data[0]))
}

// Unmap releases the mapping. The region must not be used afterwards.
func (r *Region) Unmap() error {
	if r.Data == nil {
		return nil
	}
	data := r.Data
	r.Data = nil
	return r.unmap(data)
}
