// Package sds keeps the shutdown state of a pool: a small checksummed record
// that tells, on reopen, whether the previous session ended cleanly, ended in
// a harmless power loss, or lost power while writes may have been in flight.
package sds

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Size is the on-media size of a record.
const Size = 64

// Record layout, little endian.
const (
	offSignature = 0
	offUSC       = 8
	offDirty     = 16
	offChecksum  = 56
)

var (
	// ErrQueryFailed means the device directory could not describe a file.
	ErrQueryFailed = errors.New("device query failed")
	// ErrCorruptionRisk means power was lost while the pool was open.
	ErrCorruptionRisk = errors.New("unsafe shutdown while pool was open, data may be corrupted")
	// ErrShortBuffer means Bind got less than Size bytes.
	ErrShortBuffer = errors.New("buffer too small for shutdown state")
)

// DeviceDirectory describes the hardware behind a file.
type DeviceDirectory interface {
	// DeviceIDs returns the unique IDs of every device backing path.
	DeviceIDs(path string) ([]string, error)
	// UnsafeShutdownCount returns the summed unsafe shutdown counters of
	// the devices backing path.
	UnsafeShutdownCount(path string) (uint64, error)
}

// State is a view over one record. It is not safe for concurrent mutation.
type State struct {
	buf     []byte
	persist func(b []byte)
}

// New returns a zeroed record in ordinary memory. Open builds one of these
// from present-day device data and compares it with the stored record.
func New() *State {
	return &State{
		buf:     make([]byte, Size),
		persist: func([]byte) {},
	}
}

// Bind wraps the first Size bytes of buf, normally a slice of mapped pool
// memory. persist is called on every byte range the record modifies.
func Bind(buf []byte, persist func(b []byte)) (*State, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(buf), Size)
	}
	if persist == nil {
		persist = func([]byte) {}
	}
	return &State{buf: buf[:Size:Size], persist: persist}, nil
}

// Signature is the device signature: the sum of the hashes of every device ID.
func (s *State) Signature() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offSignature:])
}

// UnsafeShutdownCount is the sum of the devices' unsafe shutdown counters.
func (s *State) UnsafeShutdownCount() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offUSC:])
}

// Dirty reports whether the pool is marked open.
func (s *State) Dirty() bool {
	return s.buf[offDirty] != 0
}

// Checksum returns the stored checksum.
func (s *State) Checksum() uint64 {
	return binary.LittleEndian.Uint64(s.buf[offChecksum:])
}

// Valid reports whether the stored checksum matches the record contents.
func (s *State) Valid() bool {
	return s.Checksum() == checksum(s.buf)
}

// IsZero reports whether the record was never initialized.
func (s *State) IsZero() bool {
	for _, b := range s.buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw record.
func (s *State) Bytes() []byte {
	return s.buf
}

// Init resets the record to an empty, clean, checksummed state.
func (s *State) Init() {
	clear(s.buf[:offChecksum])
	s.persist(s.buf[:offChecksum])
	s.updateChecksum()
}

// AddDevice folds the devices backing path into the record. On a query
// failure the record is left exactly as it was.
func (s *State) AddDevice(dir DeviceDirectory, path string) error {
	ids, err := dir.DeviceIDs(path)
	if err != nil {
		return fmt.Errorf("%w: ids of %s: %w", ErrQueryFailed, path, err)
	}
	usc, err := dir.UnsafeShutdownCount(path)
	if err != nil {
		return fmt.Errorf("%w: unsafe shutdown count of %s: %w", ErrQueryFailed, path, err)
	}

	sig := s.Signature()
	for _, id := range ids {
		sig += xxhash.Sum64String(id)
	}
	binary.LittleEndian.PutUint64(s.buf[offSignature:], sig)
	binary.LittleEndian.PutUint64(s.buf[offUSC:], s.UnsafeShutdownCount()+usc)
	s.persist(s.buf[offSignature : offUSC+8])
	s.updateChecksum()
	return nil
}

// SetDirty marks the pool open.
func (s *State) SetDirty() {
	s.setDirty(1)
}

// ClearDirty marks the pool cleanly closed.
func (s *State) ClearDirty() {
	s.setDirty(0)
}

func (s *State) setDirty(v byte) {
	s.buf[offDirty] = v
	s.persist(s.buf[offDirty : offDirty+1])
	s.updateChecksum()
}

// matches compares the device facts of two records.
func (s *State) matches(other *State) bool {
	return s.Signature() == other.Signature() &&
		s.UnsafeShutdownCount() == other.UnsafeShutdownCount()
}

// reinitFrom copies the device facts of src and marks the record clean.
func (s *State) reinitFrom(src *State) {
	clear(s.buf[:offChecksum])
	binary.LittleEndian.PutUint64(s.buf[offSignature:], src.Signature())
	binary.LittleEndian.PutUint64(s.buf[offUSC:], src.UnsafeShutdownCount())
	s.persist(s.buf[:offChecksum])
	s.updateChecksum()
}

func (s *State) updateChecksum() {
	binary.LittleEndian.PutUint64(s.buf[offChecksum:], checksum(s.buf))
	s.persist(s.buf[offChecksum:Size])
}

func checksum(buf []byte) uint64 {
	return xxhash.Sum64(buf[:offChecksum])
}
