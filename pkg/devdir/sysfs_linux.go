//go:build linux

package devdir

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DeviceIDs returns the unique IDs of the DIMMs interleaved into the region
// holding path.
func (s Sysfs) DeviceIDs(path string) ([]string, error) {
	dimms, err := s.dimms(path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(dimms))
	for _, dimm := range dimms {
		id, err := s.readAttr(dimm, "nfit", "id")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UnsafeShutdownCount sums the dirty shutdown counters of the DIMMs
// interleaved into the region holding path.
func (s Sysfs) UnsafeShutdownCount(path string) (uint64, error) {
	dimms, err := s.dimms(path)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, dimm := range dimms {
		raw, err := s.readAttr(dimm, "nfit", "dirty_shutdown")
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad dirty_shutdown for %s: %w", dimm, err)
		}
		total += n
	}
	return total, nil
}

func (s Sysfs) devices() string {
	return filepath.Join(s.root(), "bus", "nd", "devices")
}

func (s Sysfs) readAttr(device string, attr ...string) (string, error) {
	p := filepath.Join(append([]string{s.devices(), device}, attr...)...)
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// dimms returns the nmem devices behind path, or none when path is not on
// an nd region.
func (s Sysfs) dimms(path string) ([]string, error) {
	region, err := s.region(path)
	if err != nil || region == "" {
		return nil, err
	}

	var dimms []string
	for i := 0; ; i++ {
		raw, err := s.readAttr(region, fmt.Sprintf("mapping%d", i))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, err
		}
		// "nmem0,0,34359738368,0": dimm, offset, length, position.
		name, _, _ := strings.Cut(raw, ",")
		dimms = append(dimms, name)
	}
	slog.Debug("resolved nd region", "path", path, "region", region, "dimms", dimms)
	return dimms, nil
}

// region finds the nd region whose block or dax device holds path.
func (s Sysfs) region(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	dev := st.Dev
	if st.Mode&unix.S_IFMT == unix.S_IFCHR {
		// Device DAX: the file is the device itself.
		dev = st.Rdev
	}
	want := fmt.Sprintf("%d:%d", unix.Major(uint64(dev)), unix.Minor(uint64(dev)))

	regions, err := filepath.Glob(filepath.Join(s.devices(), "region*"))
	if err != nil {
		return "", err
	}
	for _, r := range regions {
		resolved, err := filepath.EvalSymlinks(r)
		if err != nil {
			continue
		}
		found := false
		err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() != "dev" {
				return nil
			}
			data, err := os.ReadFile(p)
			if err == nil && strings.TrimSpace(string(data)) == want {
				found = true
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if found {
			return filepath.Base(r), nil
		}
	}
	return "", nil
}
