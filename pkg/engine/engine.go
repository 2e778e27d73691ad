// Package engine is the process-wide entry point for persistent memory
// mappings.
//
// A Runtime owns the mapping registry and the flush dispatcher. Files are
// mapped through it, and every mapping knows how to make its own writes
// durable.
//
// Basic usage:
//
//	rt, err := engine.Open(engine.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	m, err := rt.MapFile(f, engine.MapConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Unmap()
//
//	copy(m.Bytes(), "hello")
//	m.Persist(m.Bytes()[:5])
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/sanonone/pmemcore/pkg/devdir"
	"github.com/sanonone/pmemcore/pkg/granularity"
	"github.com/sanonone/pmemcore/pkg/mapping"
	"github.com/sanonone/pmemcore/pkg/persist"
	"github.com/sanonone/pmemcore/pkg/platform"
	"github.com/sanonone/pmemcore/pkg/sds"
)

var (
	// ErrClosed means the runtime was already closed.
	ErrClosed = errors.New("runtime closed")
	// ErrMappingsLive means Close was called while mappings were still registered.
	ErrMappingsLive = errors.New("mappings still registered")
)

// Options configures a Runtime.
type Options struct {
	// ForceGranularity skips hardware-based granularity resolution when set
	// to "BYTE", "CACHE_LINE" or "PAGE". Unrecognized values are logged and
	// ignored.
	ForceGranularity string

	// Probe answers platform questions such as eADR support.
	Probe platform.Probe

	// Directory describes the devices behind pool files.
	Directory sds.DeviceDirectory
}

// DefaultOptions probes the host and reads the forced granularity from the
// PMEM_FORCE_GRANULARITY environment variable.
func DefaultOptions() Options {
	return Options{
		ForceGranularity: os.Getenv(granularity.EnvForceGranularity),
		Probe:            platform.Host{},
		Directory:        devdir.Sysfs{},
	}
}

// Runtime owns the mappings of a process.
//
// Use Open() to create one and Close() once every mapping is gone.
type Runtime struct {
	opts       Options
	registry   *mapping.Registry
	dispatcher *persist.Dispatcher
	hasEADR    bool
	pageSize   int64

	mu     sync.RWMutex
	closed bool
}

// Open probes the platform and returns a ready runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Probe == nil {
		opts.Probe = platform.Host{}
	}
	if opts.Directory == nil {
		opts.Directory = devdir.Sysfs{}
	}

	registry := mapping.NewRegistry()
	rt := &Runtime{
		opts:       opts,
		registry:   registry,
		dispatcher: persist.NewDispatcher(registry),
		hasEADR:    opts.Probe.EADR(),
		pageSize:   int64(os.Getpagesize()),
	}

	slog.Info("persistent memory runtime ready",
		"eadr", rt.hasEADR,
		"cache_flush", persist.CacheFlushInstruction(),
		"force_granularity", opts.ForceGranularity)
	return rt, nil
}

// Close shuts the runtime down. It fails while mappings are still live,
// naming the first of them.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil
	}
	if live := rt.registry.Mappings(); len(live) > 0 {
		for _, m := range live {
			slog.Warn("mapping still registered at close", "mapping", m.String())
		}
		return fmt.Errorf("%w: %d, first %s", ErrMappingsLive, len(live), live[0])
	}
	rt.closed = true
	return nil
}

// Registry exposes the mapping registry.
func (rt *Runtime) Registry() *mapping.Registry {
	return rt.registry
}

// Dispatcher exposes the flush dispatcher.
func (rt *Runtime) Dispatcher() *persist.Dispatcher {
	return rt.dispatcher
}

// HasEADR reports whether the platform keeps CPU caches in the persistence
// domain.
func (rt *Runtime) HasEADR() bool {
	return rt.hasEADR
}

// Directory returns the device directory pools are checked against.
func (rt *Runtime) Directory() sds.DeviceDirectory {
	return rt.opts.Directory
}
