// Package mvcc implements the multi-version data store of the parallel
// execution engine.
//
// For every key touched during a block, the store keeps one cell per
// writing transaction index, ordered by index. A read for transaction i
// resolves to the cell of the highest index strictly below i, or falls
// through to the base state when no such cell exists. When a transaction
// is aborted its cells are flagged as estimates so that later readers know
// the value is being recomputed.
package mvcc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	"golang.org/x/xerrors"
)

// Index is the position of a transaction in the block's serial order.
type Index = int

// Incarnation counts the execution attempts of a transaction. It starts at
// zero and is incremented every time the transaction is re-executed.
type Incarnation = int

// Version uniquely identifies one execution attempt of a transaction.
type Version struct {
	Index       Index
	Incarnation Incarnation
}

// Value is the content of a versioned cell. A deferred tag marks a
// placeholder that is patched at materialization time, in which case the
// bytes hold the speculative value observable by later transactions.
type Value struct {
	Bytes    []byte
	Deleted  bool
	Deferred uint64
}

// ReadDescriptor records how a read has been resolved: either from the
// cell identified by the version, or from the base state.
type ReadDescriptor struct {
	Key      string
	Version  Version
	FromBase bool
}

// ReadSet is the ordered list of reads observed by one incarnation.
type ReadSet []ReadDescriptor

// Write is a key/value pair produced by one incarnation.
type Write struct {
	Key   string
	Value Value
}

// WriteSet is the list of writes produced by one incarnation.
type WriteSet []Write

// ReadStatus is the outcome of a versioned read.
type ReadStatus int

// The status of a read is OK when a cell has been resolved, NotFound when
// the read falls through to the base state, and Estimate when the nearest
// cell is being recomputed.
const (
	ReadStatusOK ReadStatus = iota
	ReadStatusNotFound
	ReadStatusEstimate
)

// ReadResult is the resolution of a versioned read.
type ReadResult struct {
	Status  ReadStatus
	Version Version
	Value   Value

	// BlockingIndex is the writer of the estimate cell when the status is
	// ReadStatusEstimate.
	BlockingIndex Index
}

type cell struct {
	estimate    bool
	incarnation Incarnation
	value       Value
}

type cells struct {
	sync.RWMutex
	tm  *treemap.Map
	seq uint64
}

// Store is the multi-version data store of one block. It is safe for
// concurrent use by the workers of the engine.
type Store struct {
	data       sync.Map // per-key *cells
	lastWrites []atomic.Pointer[[]string]
	lastReads  []atomic.Pointer[ReadSet]
}

// NewStore creates a multi-version store for a block of the given size.
func NewStore(size int) *Store {
	return &Store{
		lastWrites: make([]atomic.Pointer[[]string], size),
		lastReads:  make([]atomic.Pointer[ReadSet], size),
	}
}

// Record stores the read-set and the write-set of an incarnation. It
// returns true when the incarnation wrote a location that its previous
// incarnation did not, which requires the validation of the transactions
// above it. Cells written by the previous incarnation but not by this one
// are removed.
func (s *Store) Record(version Version, rs ReadSet, ws WriteSet) (bool, error) {
	newKeys := make(map[string]struct{}, len(ws))

	for _, w := range ws {
		err := s.write(w.Key, version, w.Value)
		if err != nil {
			return false, xerrors.Errorf("failed to write '%s': %v", w.Key, err)
		}

		newKeys[w.Key] = struct{}{}
	}

	wroteNew := false

	prev := s.lastWrites[version.Index].Load()
	if prev != nil {
		prevKeys := make(map[string]struct{}, len(*prev))
		for _, key := range *prev {
			prevKeys[key] = struct{}{}
		}

		for key := range newKeys {
			if _, found := prevKeys[key]; !found {
				wroteNew = true
				break
			}
		}

		for key := range prevKeys {
			if _, found := newKeys[key]; !found {
				s.remove(key, version.Index)
			}
		}
	} else {
		wroteNew = len(newKeys) > 0
	}

	keys := make([]string, 0, len(newKeys))
	for key := range newKeys {
		keys = append(keys, key)
	}

	s.lastWrites[version.Index].Store(&keys)
	s.lastReads[version.Index].Store(&rs)

	return wroteNew, nil
}

// Read resolves the key for the reader at the given index. It scans
// backward from index-1 for the nearest cell. When skipEstimates is set,
// estimate cells are ignored and the scan continues below them, which
// trades certain validation work for progress.
func (s *Store) Read(key string, index Index, skipEstimates bool) ReadResult {
	c := s.load(key)
	if c == nil {
		return ReadResult{Status: ReadStatusNotFound}
	}

	c.RLock()
	defer c.RUnlock()

	at := index - 1

	for {
		fk, fv := c.tm.Floor(at)
		if fk == nil {
			return ReadResult{Status: ReadStatusNotFound}
		}

		entry := fv.(*cell)

		if entry.estimate {
			if skipEstimates {
				at = fk.(int) - 1
				continue
			}

			return ReadResult{
				Status:        ReadStatusEstimate,
				BlockingIndex: fk.(int),
			}
		}

		return ReadResult{
			Status:  ReadStatusOK,
			Version: Version{Index: fk.(int), Incarnation: entry.incarnation},
			Value:   entry.value,
		}
	}
}

// Validate re-resolves the recorded read-set of the transaction and
// returns true when every read still resolves to the version it was
// recorded with. An estimate on the path makes the read-set invalid.
func (s *Store) Validate(index Index) bool {
	rs := s.lastReads[index].Load()
	if rs == nil {
		return true
	}

	for _, read := range *rs {
		curr := s.Read(read.Key, index, false)

		switch curr.Status {
		case ReadStatusEstimate:
			return false
		case ReadStatusNotFound:
			if !read.FromBase {
				return false
			}
		case ReadStatusOK:
			if read.FromBase || curr.Version != read.Version {
				return false
			}
		}
	}

	return true
}

// MarkEstimates flags every cell written by the transaction as an
// estimate. It is called when the transaction is aborted, before its next
// incarnation is scheduled.
func (s *Store) MarkEstimates(index Index) {
	keys := s.lastWrites[index].Load()
	if keys == nil {
		return
	}

	for _, key := range *keys {
		c := s.load(key)
		if c == nil {
			continue
		}

		c.Lock()

		v, found := c.tm.Get(index)
		if found {
			v.(*cell).estimate = true
			c.seq++
		}

		c.Unlock()
	}
}

// SnapshotVersion returns an opaque token for the key that changes
// whenever any cell of the key is mutated. It can be compared to a token
// taken earlier to detect that the key changed in between.
func (s *Store) SnapshotVersion(key string) uint64 {
	c := s.load(key)
	if c == nil {
		return 0
	}

	c.RLock()
	defer c.RUnlock()

	return c.seq
}

// Snapshot walks every key of the store and returns the value written by
// the highest index strictly below the limit, sorted by key. It returns an
// error if an estimate is found, as no estimate may survive once every
// transaction below the limit is committed.
func (s *Store) Snapshot(limit Index) (WriteSet, error) {
	var ws WriteSet
	var failure error

	s.data.Range(func(key, _ any) bool {
		res := s.Read(key.(string), limit, false)

		switch res.Status {
		case ReadStatusEstimate:
			failure = xerrors.Errorf(
				"estimate left by transaction %d on '%s'",
				res.BlockingIndex, key.(string))
			return false
		case ReadStatusOK:
			ws = append(ws, Write{Key: key.(string), Value: res.Value})
		}

		return true
	})

	if failure != nil {
		return nil, failure
	}

	sort.Slice(ws, func(i, j int) bool { return ws[i].Key < ws[j].Key })

	return ws, nil
}

func (s *Store) write(key string, version Version, value Value) error {
	c := s.loadOrCreate(key)

	c.Lock()
	defer c.Unlock()

	v, found := c.tm.Get(version.Index)
	if !found {
		c.tm.Put(version.Index, &cell{
			incarnation: version.Incarnation,
			value:       value,
		})
		c.seq++

		return nil
	}

	entry := v.(*cell)

	// A slot is written at most once per incarnation, so an existing entry
	// at the same or a higher incarnation means the protocol has been
	// broken somewhere upstream.
	if entry.incarnation >= version.Incarnation {
		return xerrors.Errorf(
			"write of incarnation %d over incarnation %d",
			version.Incarnation, entry.incarnation)
	}

	entry.estimate = false
	entry.incarnation = version.Incarnation
	entry.value = value
	c.seq++

	return nil
}

func (s *Store) remove(key string, index Index) {
	c := s.load(key)
	if c == nil {
		return
	}

	c.Lock()
	c.tm.Remove(index)
	c.seq++
	c.Unlock()
}

func (s *Store) load(key string) *cells {
	v, found := s.data.Load(key)
	if !found {
		return nil
	}

	return v.(*cells)
}

func (s *Store) loadOrCreate(key string) *cells {
	v, found := s.data.Load(key)
	if !found {
		v, _ = s.data.LoadOrStore(key, &cells{tm: treemap.NewWithIntComparator()})
	}

	return v.(*cells)
}
