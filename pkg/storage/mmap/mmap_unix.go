//go:build unix && !linux

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile uses a plain shared mapping. Only Linux exposes DAX mappings, so
// the result is never treated as persistent memory.
func mapFile(f *os.File, offset int64, length int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{Data: data, Handle: f.Fd(), unmap: unix.Munmap}, nil
}
