// Package persist turns a mapping's granularity into the instruction sequence
// that makes writes to it durable.
//
// Every mapping gets one Ops value, picked once from its effective granularity:
//
//	Granularity | Flush                 | Drain  | Persist
//	Byte        | bounds check only     | fence  | fence
//	CacheLine   | cache line write-back | fence  | write-back + fence
//	Page        | OS buffer flush       | no-op  | OS buffer flush
//
// Callers either Flush every write and Drain once before relying on
// durability, or call Persist.
package persist

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sanonone/pmemcore/pkg/granularity"
	"github.com/sanonone/pmemcore/pkg/mapping"
)

// PersistFunc makes [addr, addr+n) durable.
type PersistFunc func(addr mapping.Addr, n uint64)

// FlushFunc starts write-back of [addr, addr+n).
type FlushFunc func(addr mapping.Addr, n uint64)

// DrainFunc waits for all earlier flushes to complete.
type DrainFunc func()

// Ops is the durability capability set of one mapping.
type Ops interface {
	Flush(addr mapping.Addr, n uint64)
	Drain()
	Persist(addr mapping.Addr, n uint64)
	Granularity() granularity.Granularity
}

// Dispatcher hands out Ops for mappings of one registry.
//
// Page-granularity flushes may span several mappings, so the dispatcher
// needs the registry to split them.
type Dispatcher struct {
	registry *mapping.Registry
	pageSize uint64

	// syncRange issues the OS flush for one sub-range of one mapping.
	syncRange func(m *mapping.Mapping, addr mapping.Addr, n uint64) error
	// terminate is called when an OS flush fails. It must not return.
	terminate func(err error)
}

// NewDispatcher creates a dispatcher bound to registry.
func NewDispatcher(registry *mapping.Registry) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		pageSize:  uint64(os.Getpagesize()),
		syncRange: osSyncRange,
		terminate: terminateProcess,
	}
}

// Ops returns the operation set matching m's effective granularity.
func (d *Dispatcher) Ops(m *mapping.Mapping) Ops {
	switch m.Granularity {
	case granularity.Byte:
		return byteOps{m: m}
	case granularity.CacheLine:
		return cacheLineOps{m: m, d: d}
	case granularity.Page:
		return pageOps{d: d}
	default:
		// A mapping is never registered without a resolved granularity.
		panic(fmt.Sprintf("persist: %v has no effective granularity", m))
	}
}

// PersistFunc returns the persist operation for m.
func (d *Dispatcher) PersistFunc(m *mapping.Mapping) PersistFunc {
	return d.Ops(m).Persist
}

// FlushFunc returns the flush operation for m.
func (d *Dispatcher) FlushFunc(m *mapping.Mapping) FlushFunc {
	return d.Ops(m).Flush
}

// DrainFunc returns the drain operation for m.
func (d *Dispatcher) DrainFunc(m *mapping.Mapping) DrainFunc {
	return d.Ops(m).Drain
}

// terminateProcess ends the process after a failed durability flush. There is
// no way to report "the write looked durable but is not" to the caller, and
// carrying on would silently lose data.
func terminateProcess(err error) {
	slog.Error("durability flush failed, terminating", "error", err)
	os.Exit(2)
}
