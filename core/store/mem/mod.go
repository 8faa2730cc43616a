// Package mem implements in-memory stores.
//
// The base store is a flat map that can serve as the base state of a block.
// The overlay keeps its own updates and falls back to a parent readable for
// anything it does not know, so a chain of overlays behaves like a stack of
// uncommitted blocks.
package mem

import (
	"github.com/chainware/parex/core/store"
)

type item struct {
	value   []byte
	deleted bool
}

// Store is an in-memory key/value store.
//
// - implements store.Snapshot
type Store struct {
	values map[string]item
}

// NewStore creates a new empty in-memory store.
func NewStore() *Store {
	return &Store{
		values: make(map[string]item),
	}
}

// Get implements store.Readable. It returns a nil value when the key is
// missing or deleted.
func (s *Store) Get(key []byte) ([]byte, error) {
	it, found := s.values[string(key)]
	if !found || it.deleted {
		return nil, nil
	}

	return it.value, nil
}

// Set implements store.Writable.
func (s *Store) Set(key, value []byte) error {
	s.values[string(key)] = item{value: value}

	return nil
}

// Delete implements store.Writable.
func (s *Store) Delete(key []byte) error {
	s.values[string(key)] = item{deleted: true}

	return nil
}

// Overlay is a store that keeps its updates in an internal map and reads
// through to the parent for unknown keys.
//
// - implements store.Snapshot
type Overlay struct {
	parent store.Readable
	values map[string]item
}

// NewOverlay creates a new overlay on top of the parent.
func NewOverlay(parent store.Readable) *Overlay {
	return &Overlay{
		parent: parent,
		values: make(map[string]item),
	}
}

// Get implements store.Readable. It returns the overlay value if the key
// has been written, otherwise the parent value.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	it, found := o.values[string(key)]
	if found {
		if it.deleted {
			return nil, nil
		}

		return it.value, nil
	}

	return o.parent.Get(key)
}

// Set implements store.Writable.
func (o *Overlay) Set(key, value []byte) error {
	o.values[string(key)] = item{value: value}

	return nil
}

// Delete implements store.Writable.
func (o *Overlay) Delete(key []byte) error {
	o.values[string(key)] = item{deleted: true}

	return nil
}
