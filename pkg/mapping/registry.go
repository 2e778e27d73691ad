package mapping

import (
	"errors"
	"sync"

	"github.com/tidwall/btree"
)

var (
	// ErrAlreadyExists means a mapping with the same start address is
	// already registered. It points at a double registration by the caller.
	ErrAlreadyExists = errors.New("mapping already registered")
	// ErrNotFound means the mapping being unregistered is not in the registry.
	ErrNotFound = errors.New("mapping not registered")
)

// Registry is an address-ordered index of live mappings, safe for concurrent use.
//
// Mappings never overlap each other (the lifecycle layer checks with
// FindOverlapping before Register), which is what lets FindOverlapping get
// away with looking at only two neighbours.
type Registry struct {
	mu    sync.RWMutex
	index *btree.BTreeG[*Mapping]
}

// mappingLess orders mappings by start address only.
func mappingLess(a, b *Mapping) bool {
	return a.Start < b.Start
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		// The registry's own RWMutex guards the tree.
		index: btree.NewBTreeGOptions[*Mapping](mappingLess, btree.Options{NoLocks: true}),
	}
}

// Register inserts m keyed by its start address.
func (r *Registry) Register(m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.index.Get(m); found {
		return ErrAlreadyExists
	}
	r.index.Set(m)
	return nil
}

// Unregister removes exactly m. A different mapping that happens to share
// the start address is not removed.
func (r *Registry) Unregister(m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found := r.index.Get(m)
	if !found || cur != m {
		return ErrNotFound
	}
	r.index.Delete(m)
	return nil
}

// FindOverlapping returns the first mapping, in address order, that
// intersects [start, start+length), or nil. An empty range is looked up as
// the single byte at start.
func (r *Registry) FindOverlapping(start Addr, length uint64) *Mapping {
	if length == 0 {
		length = 1
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pivot := &Mapping{Start: start}

	// Left neighbour: greatest start <= query start.
	var left *Mapping
	r.index.Descend(pivot, func(m *Mapping) bool {
		left = m
		return false
	})
	if left != nil && left.Overlaps(start, length) {
		return left
	}

	// Right neighbour: smallest start > query start.
	var right *Mapping
	r.index.Ascend(pivot, func(m *Mapping) bool {
		if m.Start == start {
			return true
		}
		right = m
		return false
	})
	if right != nil && right.Overlaps(start, length) {
		return right
	}
	return nil
}

// Len returns the number of registered mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Len()
}

// Mappings returns a snapshot of all registered mappings in address order.
func (r *Registry) Mappings() []*Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Mapping, 0, r.index.Len())
	r.index.Scan(func(m *Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}
