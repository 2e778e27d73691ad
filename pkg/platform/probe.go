package platform

// Probe reports platform-wide persistence facts.
type Probe interface {
	// EADR reports whether stores are durable once they reach the CPU cache.
	EADR() bool
}

// DefaultSysfsRoot is where the host probe looks for sysfs.
const DefaultSysfsRoot = "/sys"

// Host probes the machine the process runs on.
type Host struct {
	// SysfsRoot overrides DefaultSysfsRoot, mostly for tests.
	SysfsRoot string
}

func (h Host) root() string {
	if h.SysfsRoot == "" {
		return DefaultSysfsRoot
	}
	return h.SysfsRoot
}

// Static is a Probe with a fixed answer.
type Static bool

// EADR returns the fixed answer.
func (s Static) EADR() bool { return bool(s) }
