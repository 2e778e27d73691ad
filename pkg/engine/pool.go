package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/sanonone/pmemcore/pkg/sds"
)

// Pool file layout. Every part starts with a header page; part 0 also holds
// the shutdown state.
const (
	PoolHeaderSize = 4096
	PoolVersion    = 1

	offPoolMagic   = 0
	offPoolVersion = 8
	offPoolUUID    = 16
	offPartIndex   = 32
	offPartCount   = 36
	offPoolSDS     = 64
)

var poolMagic = [8]byte{'P', 'M', 'P', 'O', 'O', 'L', 0, 0}

// ErrBadPool means a part file does not belong to the pool being opened.
var ErrBadPool = errors.New("invalid pool part")

// Pool is a set of mapped part files sharing one shutdown state.
// It is not safe for concurrent Open/Close.
type Pool struct {
	rt    *Runtime
	id    uuid.UUID
	parts []*poolPart
	state *sds.State
}

type poolPart struct {
	path string
	file *os.File
	m    *Map
}

// CreatePool creates or extends every path to size bytes, writes fresh
// headers and records the devices backing each part. The pool is returned
// open.
func CreatePool(rt *Runtime, paths []string, size int64) (*Pool, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrBadPool)
	}
	if size <= PoolHeaderSize {
		return nil, fmt.Errorf("%w: part size %d must exceed the %d byte header", ErrInvalidLength, size, PoolHeaderSize)
	}

	p := &Pool{rt: rt, id: uuid.New()}
	for i, path := range paths {
		part, err := p.mapPart(path, os.O_CREATE|os.O_RDWR, size)
		if err != nil {
			p.release()
			return nil, err
		}
		p.parts = append(p.parts, part)

		hdr := part.m.Bytes()[:PoolHeaderSize]
		clear(hdr)
		copy(hdr[offPoolMagic:], poolMagic[:])
		binary.LittleEndian.PutUint32(hdr[offPoolVersion:], PoolVersion)
		copy(hdr[offPoolUUID:], p.id[:])
		binary.LittleEndian.PutUint32(hdr[offPartIndex:], uint32(i))
		binary.LittleEndian.PutUint32(hdr[offPartCount:], uint32(len(paths)))
		part.m.Persist(hdr)
	}

	state, err := p.bindState()
	if err != nil {
		p.release()
		return nil, err
	}
	state.Init()
	for _, part := range p.parts {
		if err := state.AddDevice(rt.Directory(), part.path); err != nil {
			p.release()
			return nil, err
		}
	}
	state.SetDirty()
	p.state = state

	slog.Info("pool created", "uuid", p.id, "parts", len(paths), "part_size", size)
	return p, nil
}

// OpenPool maps an existing pool and checks its shutdown state against the
// devices as they are now. ErrCorruptionRisk is returned, and nothing is
// left mapped, when power was lost while the pool was last open.
func OpenPool(rt *Runtime, paths []string) (*Pool, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrBadPool)
	}

	p := &Pool{rt: rt}
	for i, path := range paths {
		part, err := p.mapPart(path, os.O_RDWR, 0)
		if err != nil {
			p.release()
			return nil, err
		}
		p.parts = append(p.parts, part)

		if err := p.validateHeader(i, len(paths), part); err != nil {
			p.release()
			return nil, err
		}
	}

	current := sds.New()
	current.Init()
	for _, part := range p.parts {
		if err := current.AddDevice(rt.Directory(), part.path); err != nil {
			p.release()
			return nil, err
		}
	}

	stored, err := p.bindState()
	if err != nil {
		p.release()
		return nil, err
	}
	if err := sds.Check(current, stored); err != nil {
		p.release()
		return nil, fmt.Errorf("open pool %s: %w", p.id, err)
	}
	stored.SetDirty()
	p.state = stored

	slog.Info("pool opened", "uuid", p.id, "parts", len(paths))
	return p, nil
}

func (p *Pool) mapPart(path string, flag int, size int64) (*poolPart, error) {
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pool part: %w", err)
	}
	if size > 0 {
		info, err := f.Stat()
		if err == nil && info.Size() < size {
			err = f.Truncate(size)
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("size pool part %s: %w", path, err)
		}
	}

	m, err := p.rt.MapFile(f, MapConfig{})
	if err != nil {
		f.Close()
		return nil, err
	}
	if len(m.Bytes()) <= PoolHeaderSize {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %s is too small", ErrBadPool, path)
	}
	return &poolPart{path: path, file: f, m: m}, nil
}

func (p *Pool) validateHeader(index, count int, part *poolPart) error {
	hdr := part.m.Bytes()[:PoolHeaderSize]
	if !bytes.Equal(hdr[offPoolMagic:offPoolMagic+8], poolMagic[:]) {
		return fmt.Errorf("%w: %s: magic mismatch", ErrBadPool, part.path)
	}
	if v := binary.LittleEndian.Uint32(hdr[offPoolVersion:]); v != PoolVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrBadPool, part.path, v)
	}

	id, err := uuid.FromBytes(hdr[offPoolUUID : offPoolUUID+16])
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadPool, part.path, err)
	}
	if index == 0 {
		p.id = id
	} else if id != p.id {
		return fmt.Errorf("%w: %s belongs to pool %s, not %s", ErrBadPool, part.path, id, p.id)
	}

	gotIndex := binary.LittleEndian.Uint32(hdr[offPartIndex:])
	gotCount := binary.LittleEndian.Uint32(hdr[offPartCount:])
	if int(gotIndex) != index || int(gotCount) != count {
		return fmt.Errorf("%w: %s is part %d of %d, opened as %d of %d",
			ErrBadPool, part.path, gotIndex, gotCount, index, count)
	}
	return nil
}

func (p *Pool) bindState() (*sds.State, error) {
	head := p.parts[0].m
	return sds.Bind(head.Bytes()[offPoolSDS:offPoolSDS+sds.Size], head.Persist)
}

// UUID identifies the pool.
func (p *Pool) UUID() uuid.UUID {
	return p.id
}

// Parts returns the number of part files.
func (p *Pool) Parts() int {
	return len(p.parts)
}

// Part returns the mapping of part i, header included.
func (p *Pool) Part(i int) *Map {
	return p.parts[i].m
}

// Data returns the usable bytes of part i, after its header.
func (p *Pool) Data(i int) []byte {
	return p.parts[i].m.Bytes()[PoolHeaderSize:]
}

// ShutdownState returns the pool's stored shutdown state.
func (p *Pool) ShutdownState() *sds.State {
	return p.state
}

// Close marks the pool cleanly closed and releases every part.
func (p *Pool) Close() error {
	if p.state == nil {
		return nil
	}
	p.state.ClearDirty()
	p.state = nil
	return p.release()
}

// release unmaps and closes the parts without touching the shutdown state.
func (p *Pool) release() error {
	var errs []error
	for _, part := range p.parts {
		if err := part.m.Unmap(); err != nil {
			errs = append(errs, err)
		}
		if err := part.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.parts = nil
	return errors.Join(errs...)
}
