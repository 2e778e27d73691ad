// Package devdir answers which persistent memory devices back a file and how
// often they lost power uncleanly. Sysfs reads the kernel's nd bus; Static
// serves a YAML description for machines without one.
package devdir

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownFile means a Static directory has no entry for a path.
	ErrUnknownFile = errors.New("file not described in device directory")
	// ErrUnsupported means the platform has no device directory.
	ErrUnsupported = errors.New("device directory not supported on this platform")
)

// Device is one DIMM or namespace backing a file.
type Device struct {
	ID                  string `yaml:"id"`
	UnsafeShutdownCount uint64 `yaml:"usc"`
}

type staticFile struct {
	Devices []Device `yaml:"devices"`
}

type staticDocument struct {
	Files map[string]staticFile `yaml:"files"`
}

// Static is a device directory described up front, e.g.
//
//	files:
//	  /mnt/pmem0/pool.part0:
//	    devices:
//	      - id: "8089-a2-1837-00000d58"
//	        usc: 3
//
// It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	files map[string][]Device
}

// NewStatic returns an empty directory.
func NewStatic() *Static {
	return &Static{files: make(map[string][]Device)}
}

// LoadStatic reads a YAML description from path. Environment variables in
// the file are expanded and unknown fields are rejected.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device directory: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic decodes a YAML description.
func ParseStatic(data []byte) (*Static, error) {
	expanded := os.ExpandEnv(string(data))

	var doc staticDocument
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse device directory: %w", err)
	}

	s := NewStatic()
	for path, f := range doc.Files {
		for _, d := range f.Devices {
			if d.ID == "" {
				return nil, fmt.Errorf("device directory: %s has a device without id", path)
			}
		}
		s.files[filepath.Clean(path)] = f.Devices
	}
	return s, nil
}

// SetDevices replaces the devices backing path.
func (s *Static) SetDevices(path string, devices ...Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filepath.Clean(path)] = append([]Device(nil), devices...)
}

// SetUnsafeShutdownCount updates the counter of one device of path, the way
// the hardware does after a power loss.
func (s *Static) SetUnsafeShutdownCount(path, id string, usc uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.files[filepath.Clean(path)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, path)
	}
	for i := range devices {
		if devices[i].ID == id {
			devices[i].UnsafeShutdownCount = usc
			return nil
		}
	}
	return fmt.Errorf("device directory: %s has no device %q", path, id)
}

// lookup runs fn on the devices of path under the read lock. fn must not
// keep the slice.
func (s *Static) lookup(path string, fn func(devices []Device)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices, ok := s.files[filepath.Clean(path)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, path)
	}
	fn(devices)
	return nil
}

// DeviceIDs returns the IDs of the devices backing path, in file order.
func (s *Static) DeviceIDs(path string) ([]string, error) {
	var ids []string
	err := s.lookup(path, func(devices []Device) {
		ids = make([]string, len(devices))
		for i, d := range devices {
			ids[i] = d.ID
		}
	})
	return ids, err
}

// UnsafeShutdownCount returns the summed counters of the devices backing path.
func (s *Static) UnsafeShutdownCount(path string) (uint64, error) {
	var total uint64
	err := s.lookup(path, func(devices []Device) {
		for _, d := range devices {
			total += d.UnsafeShutdownCount
		}
	})
	return total, err
}
