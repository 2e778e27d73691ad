package persist

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sanonone/pmemcore/pkg/mapping"
	"github.com/sanonone/pmemcore/pkg/metrics"
)

// flushFileBuffers flushes [addr, addr+n) through the OS, one mapping at a
// time. The OS primitive works on whole pages and the range may cross several
// mappings of different files, so the range is page-aligned first and then
// split along mapping boundaries using the registry.
func (d *Dispatcher) flushFileBuffers(addr mapping.Addr, n uint64) error {
	aligned := mapping.AlignDown(addr, d.pageSize)
	n += uint64(addr - aligned)
	addr = aligned

	var errs []error
	for n > 0 {
		m := d.registry.FindOverlapping(addr, n)
		if m == nil {
			break
		}

		var sub uint64
		if m.Start <= addr {
			remaining := uint64(m.End() - addr)
			sub = min(remaining, n)
		} else {
			// Skip the gap before the mapping.
			off := uint64(m.Start - addr)
			addr = m.Start
			n -= off
			sub = min(m.ReservedLength, n)
		}

		if err := d.syncRange(m, addr, sub); err != nil {
			errs = append(errs, fmt.Errorf("flush %#x+%d of %v: %w", uintptr(addr), sub, m, err))
		}
		metrics.PageSubFlushesTotal.Inc()
		metrics.PageFlushBytes.Observe(float64(sub))

		addr += mapping.Addr(sub)
		n -= sub
	}
	return errors.Join(errs...)
}

// persistPages is the page-granularity persist. A failed OS flush cannot be
// retried generically nor reported back, so it terminates the process.
func (d *Dispatcher) persistPages(addr mapping.Addr, n uint64) {
	if err := d.flushFileBuffers(addr, n); err != nil {
		slog.Error("OS buffer flush failed", "addr", uintptr(addr), "len", n, "error", err)
		d.terminate(err)
	}
}
