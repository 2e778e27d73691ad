//go:build windows

package persist

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/sanonone/pmemcore/pkg/mapping"
)

// osSyncRange writes back [addr, addr+n) of m: FlushViewOfFile pushes the
// dirty pages to the file, FlushFileBuffers pushes the file to the device.
func osSyncRange(m *mapping.Mapping, addr mapping.Addr, n uint64) error {
	if err := windows.FlushViewOfFile(uintptr(addr), uintptr(n)); err != nil {
		return fmt.Errorf("FlushViewOfFile: %w", err)
	}
	if err := windows.FlushFileBuffers(windows.Handle(m.Handle)); err != nil {
		return fmt.Errorf("FlushFileBuffers: %w", err)
	}
	return nil
}
