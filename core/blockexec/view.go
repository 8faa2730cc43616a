package blockexec

import (
	"github.com/chainware/parex/core/blockexec/mvcc"
	"github.com/chainware/parex/core/store"
	"golang.org/x/xerrors"
)

// DeferredWriter is the optional interface of the snapshot handed to the
// execution service. A deferred write installs a placeholder that is
// patched with the resolver of the engine once the block is materialized,
// while later transactions observe the speculative bytes in the meantime.
type DeferredWriter interface {
	SetDeferred(key []byte, tag uint64, speculative []byte) error
}

// VersionedView is the snapshot handed to the execution of one
// incarnation. Reads resolve through the multi-version store and fall back
// to the base state; every resolution is recorded for the validation.
// Writes are buffered and only applied to the multi-version store once the
// execution reports back.
//
// - implements store.Snapshot
// - implements blockexec.DeferredWriter
type versionedView struct {
	mv            *mvcc.Store
	base          store.Readable
	index         mvcc.Index
	skipEstimates bool

	reads    mvcc.ReadSet
	readKeys map[string]struct{}

	writes    map[string]mvcc.Value
	writeKeys []string

	// writer of the estimate that interrupted the execution, or -1
	blockedOn int
}

func newView(mv *mvcc.Store, base store.Readable, index mvcc.Index, skipEstimates bool) *versionedView {
	return &versionedView{
		mv:            mv,
		base:          base,
		index:         index,
		skipEstimates: skipEstimates,
		readKeys:      make(map[string]struct{}),
		writes:        make(map[string]mvcc.Value),
		blockedOn:     -1,
	}
}

// Get implements store.Readable. It returns the transaction's own write if
// the key has been written during this incarnation, otherwise the nearest
// version below the transaction, otherwise the base value.
func (v *versionedView) Get(key []byte) ([]byte, error) {
	str := string(key)

	own, found := v.writes[str]
	if found {
		if own.Deleted {
			return nil, nil
		}

		return own.Bytes, nil
	}

	res := v.mv.Read(str, v.index, v.skipEstimates)

	switch res.Status {
	case mvcc.ReadStatusEstimate:
		v.blockedOn = res.BlockingIndex

		return nil, xerrors.Errorf(
			"read of '%s' blocked by transaction %d", str, res.BlockingIndex)

	case mvcc.ReadStatusOK:
		v.record(mvcc.ReadDescriptor{Key: str, Version: res.Version})

		if res.Value.Deleted {
			return nil, nil
		}

		return res.Value.Bytes, nil

	default:
		value, err := v.base.Get(key)
		if err != nil {
			return nil, xerrors.Errorf("failed to read base state: %v", err)
		}

		v.record(mvcc.ReadDescriptor{Key: str, FromBase: true})

		return value, nil
	}
}

// Set implements store.Writable. It buffers the write for the incarnation.
func (v *versionedView) Set(key, value []byte) error {
	v.put(string(key), mvcc.Value{Bytes: value})

	return nil
}

// Delete implements store.Writable. It buffers a deletion marker.
func (v *versionedView) Delete(key []byte) error {
	v.put(string(key), mvcc.Value{Deleted: true})

	return nil
}

// SetDeferred implements blockexec.DeferredWriter. It buffers a write that
// will be patched at materialization time.
func (v *versionedView) SetDeferred(key []byte, tag uint64, speculative []byte) error {
	if tag == 0 {
		return xerrors.New("deferred tag must not be zero")
	}

	v.put(string(key), mvcc.Value{Bytes: speculative, Deferred: tag})

	return nil
}

func (v *versionedView) put(key string, value mvcc.Value) {
	_, found := v.writes[key]
	if !found {
		v.writeKeys = append(v.writeKeys, key)
	}

	v.writes[key] = value
}

func (v *versionedView) record(read mvcc.ReadDescriptor) {
	// only the first resolution of a key matters: the execution observed
	// that value and further reads are served from it
	_, found := v.readKeys[read.Key]
	if found {
		return
	}

	v.readKeys[read.Key] = struct{}{}
	v.reads = append(v.reads, read)
}

func (v *versionedView) readSet() mvcc.ReadSet {
	return v.reads
}

func (v *versionedView) writeSet() mvcc.WriteSet {
	ws := make(mvcc.WriteSet, 0, len(v.writeKeys))

	for _, key := range v.writeKeys {
		ws = append(ws, mvcc.Write{Key: key, Value: v.writes[key]})
	}

	return ws
}
