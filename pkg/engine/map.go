package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"unsafe"

	"github.com/sanonone/pmemcore/pkg/granularity"
	"github.com/sanonone/pmemcore/pkg/mapping"
	"github.com/sanonone/pmemcore/pkg/metrics"
	"github.com/sanonone/pmemcore/pkg/persist"
	"github.com/sanonone/pmemcore/pkg/storage/mmap"
)

var (
	// ErrMapExists means the new mapping would overlap a registered one.
	ErrMapExists = errors.New("mapping overlaps an existing mapping")
	// ErrInvalidOffset means the offset is negative or not page aligned.
	ErrInvalidOffset = errors.New("invalid mapping offset")
	// ErrInvalidLength means the length is negative, zero for an empty
	// file, or runs past the end of the file.
	ErrInvalidLength = errors.New("invalid mapping length")
	// ErrOutOfRange means a range lies outside the mapping.
	ErrOutOfRange = errors.New("range outside mapping")
)

// MapConfig selects the part of a file to map and the coarsest durability
// granularity the caller is prepared to handle.
type MapConfig struct {
	// Offset into the file, a multiple of the page size.
	Offset int64
	// Length to map. Zero maps everything from Offset to the end of the file.
	Length int64
	// Granularity is the maximum granularity the caller accepts.
	// Unspecified accepts whatever the hardware needs.
	Granularity granularity.Granularity
}

// Map is a registered mapping together with its durability operations.
type Map struct {
	rt     *Runtime
	m      *mapping.Mapping
	ops    persist.Ops
	data   []byte
	region *mmap.Region // nil for MapExisting
}

// MapFile maps a range of f and registers it.
func (rt *Runtime) MapFile(f *os.File, cfg MapConfig) (*Map, error) {
	// Held until the mapping is registered so Close cannot slip in between.
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return nil, ErrClosed
	}

	length, err := rt.validateRange(f, cfg)
	if err != nil {
		return nil, err
	}

	region, err := mmap.Map(f, cfg.Offset, int(length))
	if err != nil {
		return nil, err
	}

	m := &mapping.Mapping{
		Start:              mapping.Addr(region.Addr()),
		ReservedLength:     alignUp(uint64(length), uint64(rt.pageSize)),
		ContentLength:      uint64(length),
		IsPersistentMemory: region.IsPersistentMemory,
		HasEADR:            rt.hasEADR,
		Handle:             region.Handle,
	}

	mp, err := rt.register(m, cfg.Granularity, region.Data)
	if err != nil {
		if uerr := region.Unmap(); uerr != nil {
			slog.Warn("failed to unmap rejected mapping", "file", f.Name(), "error", uerr)
		}
		return nil, err
	}
	mp.region = region

	slog.Debug("mapped file",
		"file", f.Name(),
		"offset", cfg.Offset,
		"length", length,
		"pmem", m.IsPersistentMemory,
		"granularity", m.Granularity)
	return mp, nil
}

// ExistingMapping describes memory mapped outside the runtime.
type ExistingMapping struct {
	Addr               mapping.Addr
	Length             uint64
	Handle             uintptr
	IsPersistentMemory bool
	Granularity        granularity.Granularity
}

// MapExisting registers memory that was mapped by someone else so it can be
// persisted through the runtime. Unmap only unregisters it.
func (rt *Runtime) MapExisting(e ExistingMapping) (*Map, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return nil, ErrClosed
	}
	if e.Addr == 0 || e.Length == 0 {
		return nil, fmt.Errorf("%w: empty existing mapping", ErrInvalidLength)
	}
	if uint64(e.Addr) > math.MaxUint64-e.Length {
		return nil, fmt.Errorf("%w: existing mapping wraps the address space", ErrInvalidLength)
	}

	m := &mapping.Mapping{
		Start:              e.Addr,
		ReservedLength:     e.Length,
		ContentLength:      e.Length,
		IsPersistentMemory: e.IsPersistentMemory,
		HasEADR:            rt.hasEADR,
		Handle:             e.Handle,
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(e.Addr))), e.Length)
	return rt.register(m, e.Granularity, data)
}

// register resolves the granularity of m, rejects overlaps and records it.
func (rt *Runtime) register(m *mapping.Mapping, requested granularity.Granularity, data []byte) (*Map, error) {
	g, err := granularity.Resolve(requested, m.IsPersistentMemory, m.HasEADR, rt.opts.ForceGranularity)
	if err != nil {
		return nil, err
	}
	m.Granularity = g

	if other := rt.registry.FindOverlapping(m.Start, m.ReservedLength); other != nil {
		return nil, fmt.Errorf("%w: %s", ErrMapExists, other)
	}
	if err := rt.registry.Register(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapExists, err)
	}
	metrics.RegisteredMappings.Inc()

	return &Map{
		rt:   rt,
		m:    m,
		ops:  rt.dispatcher.Ops(m),
		data: data[:m.ContentLength:m.ContentLength],
	}, nil
}

// validateRange checks cfg against f and returns the length to map.
func (rt *Runtime) validateRange(f *os.File, cfg MapConfig) (int64, error) {
	if cfg.Offset < 0 || cfg.Offset%rt.pageSize != 0 {
		return 0, fmt.Errorf("%w: %d is not a multiple of the page size %d", ErrInvalidOffset, cfg.Offset, rt.pageSize)
	}
	if cfg.Length < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, cfg.Length)
	}
	if cfg.Granularity != granularity.Unspecified && !cfg.Granularity.Valid() {
		return 0, fmt.Errorf("invalid requested granularity %d", int(cfg.Granularity))
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		// Device DAX reports no size; trust the caller.
		size = math.MaxInt64
	}

	if cfg.Offset > size {
		return 0, fmt.Errorf("%w: offset %d past end of file (%d bytes)", ErrInvalidOffset, cfg.Offset, size)
	}
	length := cfg.Length
	if length == 0 {
		length = size - cfg.Offset
		if length == 0 {
			return 0, fmt.Errorf("%w: nothing to map at offset %d", ErrInvalidLength, cfg.Offset)
		}
	}
	if length > size-cfg.Offset {
		return 0, fmt.Errorf("%w: [%d, +%d) past end of file (%d bytes)", ErrInvalidLength, cfg.Offset, length, size)
	}
	if uint64(length) > uint64(math.MaxInt) {
		return 0, fmt.Errorf("%w: %d does not fit the address space", ErrInvalidLength, length)
	}
	return length, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Bytes returns the mapped content.
func (mp *Map) Bytes() []byte {
	return mp.data
}

// Mapping returns the registry entry.
func (mp *Map) Mapping() *mapping.Mapping {
	return mp.m
}

// Granularity returns the effective granularity.
func (mp *Map) Granularity() granularity.Granularity {
	return mp.m.Granularity
}

// IsPersistentMemory reports whether stores reach the media without the page cache.
func (mp *Map) IsPersistentMemory() bool {
	return mp.m.IsPersistentMemory
}

// Persist makes b, a slice of Bytes(), durable.
func (mp *Map) Persist(b []byte) {
	if len(b) == 0 {
		return
	}
	mp.ops.Persist(mapping.AddrOf(b), uint64(len(b)))
}

// Flush starts write-back of b. Call Drain before relying on durability.
func (mp *Map) Flush(b []byte) {
	if len(b) == 0 {
		return
	}
	mp.ops.Flush(mapping.AddrOf(b), uint64(len(b)))
}

// Drain waits for earlier flushes to complete.
func (mp *Map) Drain() {
	mp.ops.Drain()
}

// PersistRange makes [off, off+n) of the mapping durable.
func (mp *Map) PersistRange(off, n uint64) error {
	if off > mp.m.ContentLength || n > mp.m.ContentLength-off {
		return fmt.Errorf("%w: [%d, +%d) in %d bytes", ErrOutOfRange, off, n, mp.m.ContentLength)
	}
	if n == 0 {
		return nil
	}
	mp.ops.Persist(mp.m.Start+mapping.Addr(off), n)
	return nil
}

// Unmap unregisters the mapping and releases it. Unregistering comes first
// so no flush can look the range up once it is gone.
func (mp *Map) Unmap() error {
	if err := mp.rt.registry.Unregister(mp.m); err != nil {
		return fmt.Errorf("unmap %s: %w", mp.m, err)
	}
	metrics.RegisteredMappings.Dec()

	if mp.region != nil {
		if err := mp.region.Unmap(); err != nil {
			return fmt.Errorf("unmap %s: %w", mp.m, err)
		}
	}
	mp.data = nil
	return nil
}
