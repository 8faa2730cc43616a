package kv

import (
	"github.com/chainware/parex/core/store"
	"golang.org/x/xerrors"
)

// State is a view of a single bucket that can serve as the base state of a
// block and receive the final write-set once the block is committed.
//
// - implements store.Readable
type State struct {
	db     DB
	bucket []byte
}

// NewState creates a state view of the given bucket.
func NewState(db DB, bucket []byte) State {
	return State{
		db:     db,
		bucket: bucket,
	}
}

// Get implements store.Readable. It returns the durable value of the key,
// or nil if the key, or the bucket itself, does not exist.
func (s State) Get(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(s.bucket, func(b Bucket) error {
		v := b.Get(key)
		if v != nil {
			value = append([]byte{}, v...)
		}

		return nil
	})
	if err != nil {
		// A missing bucket means no block has been committed yet.
		return nil, nil
	}

	return value, nil
}

// Apply opens a read-write transaction on the bucket and runs the callback
// with a writable adapter, so that a block's final write-set is persisted
// atomically.
func (s State) Apply(fn func(store.Writable) error) error {
	err := s.db.Update(s.bucket, func(b Bucket) error {
		return fn(bucketWritable{bucket: b})
	})
	if err != nil {
		return xerrors.Errorf("failed to apply write-set: %v", err)
	}

	return nil
}

// BucketWritable adapts a bucket to the writable interface.
//
// - implements store.Writable
type bucketWritable struct {
	bucket Bucket
}

// Set implements store.Writable.
func (w bucketWritable) Set(key, value []byte) error {
	return w.bucket.Set(key, value)
}

// Delete implements store.Writable.
func (w bucketWritable) Delete(key []byte) error {
	return w.bucket.Delete(key)
}
