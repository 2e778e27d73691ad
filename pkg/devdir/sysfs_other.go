//go:build !linux

package devdir

// DeviceIDs is not available outside Linux.
func (s Sysfs) DeviceIDs(path string) ([]string, error) {
	return nil, ErrUnsupported
}

// UnsafeShutdownCount is not available outside Linux.
func (s Sysfs) UnsafeShutdownCount(path string) (uint64, error) {
	return 0, ErrUnsupported
}
