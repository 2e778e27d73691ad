package devdir

// DefaultSysfsRoot is where Sysfs looks for the nd bus.
const DefaultSysfsRoot = "/sys"

// Sysfs reads device facts from the Linux nd bus
// (<root>/bus/nd/devices). A file that does not live on an nd region is
// backed by no devices and reports a zero counter.
type Sysfs struct {
	Root string
}

func (s Sysfs) root() string {
	if s.Root == "" {
		return DefaultSysfsRoot
	}
	return s.Root
}
