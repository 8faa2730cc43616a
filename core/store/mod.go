// Package store defines the primitives of a simple key/value storage.
//
// The Readable interface is also the capability the engine expects for the
// base state of a block, which is the state produced by all the previous
// blocks. A missing key is not an error: it resolves to a nil value.
package store

// Readable is the interface for a readable store. It returns a nil value
// without error when the key does not exist.
type Readable interface {
	Get(key []byte) ([]byte, error)
}

// Writable is the interface for a writable store.
type Writable interface {
	Set(key []byte, value []byte) error

	Delete(key []byte) error
}

// Snapshot is a state of the store that can be read and written
// independently. A write is applied only to the snapshot reference.
type Snapshot interface {
	Readable
	Writable
}
