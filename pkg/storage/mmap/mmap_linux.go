//go:build linux

package mmap

import (
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile first asks for a synchronous DAX mapping. The kernel only grants
// MAP_SYNC when stores reach the media without the page cache, so success
// means persistent memory. Anything else falls back to a plain shared map.
func mapFile(f *os.File, offset int64, length int) (*Region, error) {
	fd := int(f.Fd())
	prot := unix.PROT_READ | unix.PROT_WRITE

	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED_VALIDATE|unix.MAP_SYNC)
	if err == nil {
		return &Region{Data: data, IsPersistentMemory: true, Handle: f.Fd(), unmap: unix.Munmap}, nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.EINVAL) {
		return nil, err
	}
	slog.Debug("MAP_SYNC refused, using page cache mapping", "file", f.Name(), "error", err)

	data, err = unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{Data: data, IsPersistentMemory: isDeviceDAX(f), Handle: f.Fd(), unmap: unix.Munmap}, nil
}

// isDeviceDAX reports whether f is a device DAX character device, which is
// persistent memory even when MAP_SYNC is not accepted.
func isDeviceDAX(f *os.File) bool {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR
}
