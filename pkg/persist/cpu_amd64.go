//go:build amd64

package persist

import (
	"log/slog"

	"github.com/klauspost/cpuid/v2"
)

//go:generate go run ./gen -out flush_amd64.s -stubs stubs_amd64.go -pkg persist

// CPUID leaf 7 (subleaf 0) EBX feature bits.
const (
	leaf7CLFLUSHOPT = 1 << 23
	leaf7CLWB       = 1 << 24
)

const defaultCacheLine = 64

func init() {
	lineSize := cpuid.CPU.CacheLine
	if lineSize <= 0 {
		lineSize = defaultCacheLine
	}
	cpuFlush.lineSize = uintptr(lineSize)
	cpuFlush.fence = sfence

	maxLeaf, _, _, _ := cpuidex(0, 0)
	var leaf7 uint32
	if maxLeaf >= 7 {
		_, leaf7, _, _ = cpuidex(7, 0)
	}

	switch {
	case leaf7&leaf7CLWB != 0:
		cpuFlush.lines, cpuFlush.name = flushCLWB, "CLWB"
	case leaf7&leaf7CLFLUSHOPT != 0:
		cpuFlush.lines, cpuFlush.name = flushCLFLUSHOPT, "CLFLUSHOPT"
	case cpuid.CPU.Has(cpuid.SSE2):
		// CLFLUSH is part of SSE2 and is self-ordering.
		cpuFlush.lines, cpuFlush.name = flushCLFLUSH, "CLFLUSH"
	}

	slog.Debug("cache flush instruction selected",
		"cpu", cpuid.CPU.BrandName,
		"instruction", cpuFlush.name,
		"cache_line", lineSize)
}
