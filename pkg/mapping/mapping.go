// Package mapping describes live virtual-address-to-file mappings and keeps an
// address-ordered registry of them.
//
// Addresses are plain numbers (Addr). The registry never dereferences them, so
// a Mapping can describe memory the Go runtime knows nothing about.
package mapping

import (
	"fmt"
	"unsafe"

	"github.com/sanonone/pmemcore/pkg/granularity"
)

// Addr is a virtual address inside the process.
type Addr uintptr

// AddrOf returns the address of the first byte of b, or 0 for an empty slice.
func AddrOf(b []byte) Addr {
	if len(b) == 0 {
		return 0
	}
	return Addr(uintptr(unsafe.Pointer(&b[0])))
}

// AlignDown rounds a down to a multiple of align, which must be a power of two.
func AlignDown(a Addr, align uint64) Addr {
	return a &^ Addr(align-1)
}

// Mapping is one active mapping of a file into the address space.
//
// Everything except ContentLength is fixed at creation time.
type Mapping struct {
	Start          Addr
	ReservedLength uint64
	ContentLength  uint64

	Granularity        granularity.Granularity
	IsPersistentMemory bool
	HasEADR            bool

	// Handle is the OS file handle the mapping was created from: a file
	// descriptor on unix, a HANDLE on windows. Page flushes use it.
	Handle uintptr
}

// End returns the first address past the reserved range.
func (m *Mapping) End() Addr {
	return m.Start + Addr(m.ReservedLength)
}

// Overlaps reports whether [start, start+length) intersects the reserved range.
func (m *Mapping) Overlaps(start Addr, length uint64) bool {
	return start < m.End() && m.Start < start+Addr(length)
}

// Contains reports whether [start, start+length) lies entirely inside the
// reserved range.
func (m *Mapping) Contains(start Addr, length uint64) bool {
	return start >= m.Start && start+Addr(length) <= m.End()
}

func (m *Mapping) String() string {
	return fmt.Sprintf("mapping[%#x-%#x %s]", uintptr(m.Start), uintptr(m.End()), m.Granularity)
}
