// Package granularity decides which durability mechanism a mapping needs.
//
// A write to a mapped file becomes durable in one of three ways, ordered from
// cheapest to most expensive:
//
//   - Byte: the platform flushes CPU caches on power loss (eADR), so a store
//     fence is enough.
//   - CacheLine: the range is real persistent memory but the caches are not
//     protected, so every touched cache line must be written back explicitly.
//   - Page: the range is ordinary page cache and only an OS-level flush
//     (msync, FlushViewOfFile) makes it durable.
package granularity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Granularity is the smallest unit of durability a mapping provides.
// The zero value means "not specified".
type Granularity int

const (
	// Unspecified is used by callers that accept whatever the hardware requires.
	Unspecified Granularity = iota
	// Byte granularity needs only a store fence.
	Byte
	// CacheLine granularity needs cache line write-back plus a fence.
	CacheLine
	// Page granularity needs an OS buffer flush.
	Page
)

// EnvForceGranularity names the environment variable the runtime reads
// to force a granularity regardless of the detected hardware.
const EnvForceGranularity = "PMEM_FORCE_GRANULARITY"

// ErrNotSupported is returned when the hardware requires a coarser
// granularity than the caller is willing to accept.
var ErrNotSupported = errors.New("granularity not supported")

// String returns the canonical upper-case name.
func (g Granularity) String() string {
	switch g {
	case Byte:
		return "BYTE"
	case CacheLine:
		return "CACHE_LINE"
	case Page:
		return "PAGE"
	case Unspecified:
		return "UNSPECIFIED"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// Valid reports whether g names one of the three real granularities.
func (g Granularity) Valid() bool {
	return g == Byte || g == CacheLine || g == Page
}

// Parse converts a case-insensitive name into a Granularity.
// Both "CACHELINE" and "CACHE_LINE" are accepted.
func Parse(s string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BYTE":
		return Byte, nil
	case "CACHELINE", "CACHE_LINE":
		return CacheLine, nil
	case "PAGE":
		return Page, nil
	}
	return Unspecified, fmt.Errorf("unknown granularity %q", s)
}

// Required returns the granularity the hardware needs, ignoring any override.
func Required(isPmem, hasEADR bool) Granularity {
	if !isPmem {
		return Page
	}
	if !hasEADR {
		return CacheLine
	}
	return Byte
}

// Resolve picks the effective granularity for a new mapping.
//
// A non-empty override that parses wins unconditionally over the hardware
// facts. An override that does not parse is logged and ignored. The result is
// then checked against requested, the coarsest granularity the caller can
// work with; Unspecified accepts anything.
func Resolve(requested Granularity, isPmem, hasEADR bool, override string) (Granularity, error) {
	g := Required(isPmem, hasEADR)

	if override != "" {
		forced, err := Parse(override)
		if err != nil {
			slog.Warn("ignoring invalid forced granularity", "value", override, "error", err)
		} else {
			g = forced
		}
	}

	if requested != Unspecified && g > requested {
		return g, fmt.Errorf("%w: requested %s, mapping requires %s", ErrNotSupported, requested, g)
	}
	return g, nil
}
