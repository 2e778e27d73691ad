//go:build !linux

package platform

// EADR is only detected on Linux; elsewhere caches are assumed volatile,
// which costs performance but never durability.
func (h Host) EADR() bool {
	return false
}
