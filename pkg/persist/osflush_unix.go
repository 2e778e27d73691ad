//go:build unix

package persist

import (
	"golang.org/x/sys/unix"

	"github.com/sanonone/pmemcore/pkg/mapping"
)

// osSyncRange writes back [addr, addr+n) of m with msync(MS_SYNC).
// The raw syscall is used because the range is an address, not a Go slice.
// EINTR restarts the call.
func osSyncRange(m *mapping.Mapping, addr mapping.Addr, n uint64) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_MSYNC, uintptr(addr), uintptr(n), unix.MS_SYNC)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}
