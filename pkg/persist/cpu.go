package persist

import "sync/atomic"

// cpuFlush holds the cache write-back routine picked for this CPU at init.
// lines is nil when the CPU has no usable instruction.
var cpuFlush struct {
	lines    func(addr, n, line uintptr)
	lineSize uintptr
	name     string
	fence    func()
}

var barrier atomic.Uint64

func init() {
	cpuFlush.fence = atomicFence
	cpuFlush.name = "none"
}

// atomicFence is the portable store barrier used when no dedicated
// instruction is wired for the architecture.
func atomicFence() {
	barrier.Add(1)
}

func fence() {
	cpuFlush.fence()
}

// CacheFlushInstruction names the instruction used for cache-line flushes,
// or "none" when CacheLine mappings fall back to OS flushes.
func CacheFlushInstruction() string {
	return cpuFlush.name
}
