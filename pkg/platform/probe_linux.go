//go:build linux

package platform

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EADR checks the persistence domain the kernel reports for every nd region.
// All regions must say "cpu_cache". Kernels without the attribute fall back to
// the firmware NFIT table.
func (h Host) EADR() bool {
	domains, err := filepath.Glob(filepath.Join(h.root(), "bus", "nd", "devices", "region*", "persistence_domain"))
	if err == nil && len(domains) > 0 {
		for _, path := range domains {
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Debug("cannot read persistence domain", "path", path, "error", err)
				return false
			}
			if strings.TrimSpace(string(data)) != "cpu_cache" {
				return false
			}
		}
		return true
	}

	nfitPath := filepath.Join(h.root(), "firmware", "acpi", "tables", "NFIT")
	table, err := os.ReadFile(nfitPath)
	if err != nil {
		slog.Debug("no NFIT table, assuming no eADR", "path", nfitPath, "error", err)
		return false
	}
	caps, err := ParseNFIT(table)
	if err != nil {
		slog.Warn("malformed NFIT table, assuming no eADR", "path", nfitPath, "error", err)
		return false
	}
	slog.Debug("NFIT platform capabilities",
		"present", caps.Present,
		"eadr", caps.EADR(),
		"adr", caps.ADR())
	return caps.EADR()
}
