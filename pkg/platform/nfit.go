// Package platform answers hardware questions that decide how writes become
// durable: whether the platform flushes CPU caches on power loss (eADR).
package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ACPI NFIT layout constants.
const (
	acpiHeaderSize = 36
	nfitHeaderSize = acpiHeaderSize + 4 // 4 reserved bytes after the ACPI header

	nfitTypePlatformCapabilities = 7
	platformCapabilitiesMinLen   = 12

	// Capability bit 0: CPU cache flush to NVDIMM durability on power loss.
	capCPUCacheFlush = 1 << 0
	// Capability bit 1: memory controller flush to NVDIMM durability on power loss (ADR).
	capMemCtrlFlush = 1 << 1
)

var (
	// ErrNotNFIT means the table signature is not "NFIT".
	ErrNotNFIT = errors.New("not an NFIT table")
	// ErrTruncated means a structure runs past the end of the table.
	ErrTruncated = errors.New("truncated NFIT table")
)

// Capabilities is the decoded NFIT Platform Capabilities structure.
type Capabilities struct {
	Present         bool
	HighestValidCap uint8
	Flags           uint32
}

// EADR reports whether CPU caches are inside the persistence domain.
func (c Capabilities) EADR() bool {
	return c.Present && c.Flags&capCPUCacheFlush != 0
}

// ADR reports whether the memory controller is inside the persistence domain.
func (c Capabilities) ADR() bool {
	return c.Present && c.HighestValidCap >= 1 && c.Flags&capMemCtrlFlush != 0
}

// ParseNFIT walks the sub-structures of a raw ACPI NFIT table and decodes the
// Platform Capabilities structure, if any.
func ParseNFIT(table []byte) (Capabilities, error) {
	var caps Capabilities
	if len(table) < nfitHeaderSize {
		return caps, ErrTruncated
	}
	if string(table[0:4]) != "NFIT" {
		return caps, ErrNotNFIT
	}

	length := binary.LittleEndian.Uint32(table[4:8])
	if int(length) > len(table) {
		return caps, fmt.Errorf("%w: header says %d bytes, have %d", ErrTruncated, length, len(table))
	}

	off := nfitHeaderSize
	for off+4 <= int(length) {
		typ := binary.LittleEndian.Uint16(table[off : off+2])
		size := int(binary.LittleEndian.Uint16(table[off+2 : off+4]))
		if size < 4 || off+size > int(length) {
			return caps, fmt.Errorf("%w: structure type %d at offset %d", ErrTruncated, typ, off)
		}

		if typ == nfitTypePlatformCapabilities {
			if size < platformCapabilitiesMinLen {
				return caps, fmt.Errorf("%w: platform capabilities of %d bytes", ErrTruncated, size)
			}
			caps.Present = true
			caps.HighestValidCap = table[off+4]
			caps.Flags = binary.LittleEndian.Uint32(table[off+8 : off+12])
		}
		off += size
	}
	return caps, nil
}
