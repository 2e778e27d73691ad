package persist

import (
	"log/slog"

	"github.com/sanonone/pmemcore/pkg/granularity"
	"github.com/sanonone/pmemcore/pkg/mapping"
	"github.com/sanonone/pmemcore/pkg/metrics"
)

// byteOps serves mappings whose stores are durable once they leave the CPU
// (eADR platforms): only ordering is needed.
type byteOps struct {
	m *mapping.Mapping
}

func (o byteOps) Granularity() granularity.Granularity { return granularity.Byte }

func (o byteOps) Flush(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("BYTE", "flush").Inc()
	if !o.m.Contains(addr, n) {
		slog.Debug("flush range outside mapping", "addr", uintptr(addr), "len", n, "mapping", o.m.String())
	}
}

func (o byteOps) Drain() {
	metrics.FlushesTotal.WithLabelValues("BYTE", "drain").Inc()
	fence()
}

func (o byteOps) Persist(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("BYTE", "persist").Inc()
	if !o.m.Contains(addr, n) {
		slog.Debug("persist range outside mapping", "addr", uintptr(addr), "len", n, "mapping", o.m.String())
	}
	fence()
}

// cacheLineOps serves real persistent memory without eADR: every dirty cache
// line must be written back before the fence.
type cacheLineOps struct {
	m *mapping.Mapping
	d *Dispatcher
}

func (o cacheLineOps) Granularity() granularity.Granularity { return granularity.CacheLine }

func (o cacheLineOps) Flush(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("CACHE_LINE", "flush").Inc()
	o.flush(addr, n)
}

func (o cacheLineOps) Drain() {
	metrics.FlushesTotal.WithLabelValues("CACHE_LINE", "drain").Inc()
	fence()
}

func (o cacheLineOps) Persist(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("CACHE_LINE", "persist").Inc()
	o.flush(addr, n)
	fence()
}

func (o cacheLineOps) flush(addr mapping.Addr, n uint64) {
	if n == 0 {
		return
	}
	if cpuFlush.lines == nil {
		// No cache write-back instruction on this CPU: the OS flush is
		// slower but always sufficient.
		o.d.persistPages(addr, n)
		return
	}
	cpuFlush.lines(uintptr(addr), uintptr(n), cpuFlush.lineSize)
}

// pageOps serves everything that is not persistent memory. Durability comes
// from the OS, one page at a time.
type pageOps struct {
	d *Dispatcher
}

func (o pageOps) Granularity() granularity.Granularity { return granularity.Page }

func (o pageOps) Flush(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("PAGE", "flush").Inc()
	o.d.persistPages(addr, n)
}

// Drain is a no-op: the OS flush is synchronous.
func (o pageOps) Drain() {
	metrics.FlushesTotal.WithLabelValues("PAGE", "drain").Inc()
}

func (o pageOps) Persist(addr mapping.Addr, n uint64) {
	metrics.FlushesTotal.WithLabelValues("PAGE", "persist").Inc()
	o.d.persistPages(addr, n)
}
