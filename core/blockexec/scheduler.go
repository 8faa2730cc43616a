package blockexec

import (
	"sync"
	"sync/atomic"

	"github.com/chainware/parex/core/blockexec/mvcc"
)

// The status of a transaction in the scheduler. A transaction starts
// ready, is executed, then validated, and either ends up committed or is
// sent back to ready with the next incarnation. Suspended transactions
// wait for the writer of an estimate they tried to read.
const (
	statusReady = iota
	statusExecuting
	statusExecuted
	statusSuspended
	statusAborting
	statusCommitted
)

type taskKind int

const (
	taskExecute taskKind = iota
	taskValidate
)

type task struct {
	kind    taskKind
	version mvcc.Version
}

type txnState struct {
	sync.Mutex
	status      int
	incarnation mvcc.Incarnation
	committing  bool
}

type txnDependents struct {
	sync.Mutex
	// indices suspended on this transaction
	indices map[int]struct{}
}

type txnBlockers struct {
	sync.Mutex
	// indices this transaction is waiting for
	indices map[int]struct{}
}

// Scheduler hands out execution and validation tasks to the workers of a
// block. It keeps two monotonically increasing counters for the next
// transaction to execute and to validate, which are lowered again when an
// abort requires earlier work to be redone, and a commit index that only
// ever moves forward.
type scheduler struct {
	size int

	done            atomic.Bool
	executionIndex  atomic.Int32
	validationIndex atomic.Int32
	commitIndex     atomic.Int32

	// first index excluded from new executions; lifted again when the
	// transaction that triggered it is re-executed
	ceiling atomic.Int32

	skipMu  sync.Mutex
	skipSet map[int]struct{}
	// floor for the ceiling set by commit-path halts; never raised again
	hardLimit int

	states     []*txnState
	dependents []*txnDependents
	blockers   []*txnBlockers
}

func newScheduler(size int) *scheduler {
	states := make([]*txnState, size)
	dependents := make([]*txnDependents, size)
	blockers := make([]*txnBlockers, size)

	for i := 0; i < size; i++ {
		states[i] = &txnState{}
		dependents[i] = &txnDependents{}
		blockers[i] = &txnBlockers{}
	}

	sched := &scheduler{
		size:       size,
		skipSet:    make(map[int]struct{}),
		hardLimit:  size,
		states:     states,
		dependents: dependents,
		blockers:   blockers,
	}
	sched.ceiling.Store(int32(size))

	return sched
}

// Done returns true once every transaction up to the block limit is
// committed.
func (s *scheduler) Done() bool {
	return s.done.Load()
}

// Finish marks the scheduler as done so that the workers return.
func (s *scheduler) Finish() {
	s.done.Store(true)
}

// CommitIndex returns the lowest index not yet committed.
func (s *scheduler) CommitIndex() int {
	return int(s.commitIndex.Load())
}

// NextTask returns the next task to work on, or nil if no task is
// available right now. Validation of the lowest executed transaction is
// preferred over the execution of a new one so that the block converges
// towards the commit.
func (s *scheduler) NextTask() *task {
	if s.validationIndex.Load() < s.executionIndex.Load() {
		version := s.nextVersionToValidate()
		if version != nil {
			return &task{kind: taskValidate, version: *version}
		}

		return nil
	}

	version := s.nextVersionToExecute()
	if version != nil {
		return &task{kind: taskExecute, version: *version}
	}

	return nil
}

// AddDependency suspends the transaction until the blocking transaction
// has finished executing. It returns false when the dependency is already
// resolved, in which case the caller retries the execution immediately.
func (s *scheduler) AddDependency(index, blocking int) bool {
	deps := s.dependents[blocking]
	deps.Lock()
	defer deps.Unlock()

	st := s.states[blocking]
	st.Lock()
	resolved := st.status == statusExecuted || st.status == statusCommitted
	st.Unlock()

	if resolved {
		return false
	}

	own := s.states[index]
	own.Lock()
	own.status = statusSuspended
	own.Unlock()

	if deps.indices == nil {
		deps.indices = make(map[int]struct{})
	}
	deps.indices[index] = struct{}{}

	blk := s.blockers[index]
	blk.Lock()
	if blk.indices == nil {
		blk.indices = make(map[int]struct{})
	}
	blk.indices[blocking] = struct{}{}
	blk.Unlock()

	return true
}

// FinishExecution moves the transaction to the executed state, resumes the
// transactions suspended on it and schedules the validation work. It may
// return a validation task for the caller to run directly.
func (s *scheduler) FinishExecution(version mvcc.Version, wroteNew bool) *task {
	st := s.states[version.Index]
	st.Lock()
	if st.status != statusExecuting {
		st.Unlock()
		// the transaction was aborted while its result was being recorded;
		// the new incarnation will supersede it
		return nil
	}
	st.status = statusExecuted
	st.Unlock()

	deps := s.dependents[version.Index]
	deps.Lock()
	resumed := deps.indices
	deps.indices = nil
	deps.Unlock()

	s.resume(version.Index, resumed)

	if s.validationIndex.Load() > int32(version.Index) {
		if wroteNew {
			// everything from this index upward must be validated again
			s.decreaseValidationIndex(version.Index)
		} else {
			return &task{kind: taskValidate, version: version}
		}
	}

	return nil
}

// TryValidationAbort turns the transaction to the aborting state if the
// given incarnation is still current. Only one concurrent validation can
// win the abort. A transaction being committed cannot be aborted anymore.
func (s *scheduler) TryValidationAbort(version mvcc.Version) bool {
	st := s.states[version.Index]
	st.Lock()
	defer st.Unlock()

	if st.committing {
		return false
	}

	if st.incarnation == version.Incarnation && st.status == statusExecuted {
		st.status = statusAborting
		return true
	}

	return false
}

// FinishValidation requeues the transaction with the next incarnation
// after an abort, and lowers the validation index so that the
// transactions above it are validated again. It may return the
// re-execution task for the caller to run directly.
func (s *scheduler) FinishValidation(index int, aborted bool) *task {
	if !aborted {
		return nil
	}

	s.setReady(index)
	s.decreaseValidationIndex(index + 1)
	s.liftCeiling(index)

	if s.executionIndex.Load() > int32(index) {
		version := s.tryIncarnation(index)
		if version != nil {
			return &task{kind: taskExecute, version: *version}
		}
	}

	return nil
}

// StartCommit pins the transaction for the commit of the given index. It
// returns the current version and true when the transaction is executed
// and not in flight, which allows the commit validation to proceed.
func (s *scheduler) StartCommit(index int) (mvcc.Version, bool) {
	st := s.states[index]
	st.Lock()
	defer st.Unlock()

	if st.status != statusExecuted {
		return mvcc.Version{}, false
	}

	st.committing = true

	return mvcc.Version{Index: index, Incarnation: st.incarnation}, true
}

// FinishCommit seals the transaction and advances the commit index.
func (s *scheduler) FinishCommit(index int) {
	st := s.states[index]
	st.Lock()
	st.committing = false
	st.status = statusCommitted
	st.Unlock()

	s.commitIndex.Store(int32(index + 1))
}

// FailCommit aborts the transaction at the commit point after its final
// validation failed, and schedules the redo of itself and of the
// validations above it.
func (s *scheduler) FailCommit(version mvcc.Version) {
	st := s.states[version.Index]
	st.Lock()
	st.committing = false
	st.status = statusAborting
	st.Unlock()
}

// Requeue makes an aborted transaction ready for its next incarnation and
// lowers both indices so the redo gets picked up.
func (s *scheduler) Requeue(index int) {
	s.setReady(index)
	s.liftCeiling(index)
	s.decreaseValidationIndex(index + 1)
	s.decreaseExecutionIndex(index)
}

// Halt caps the number of transactions of the block: no transaction at or
// above the limit will be committed. It is only called from the commit
// path so the limit is final: lifting an aborted skip never raises the
// ceiling above it again.
func (s *scheduler) Halt(limit int) {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()

	if limit < s.hardLimit {
		s.hardLimit = limit
	}

	s.lowerCeiling(limit)
}

// Limit returns the current effective size of the block.
func (s *scheduler) Limit() int {
	return int(s.ceiling.Load())
}

// SoftHalt records that the transaction wants to skip the rest of the
// block. New executions above it are not scheduled unless the transaction
// is aborted later.
func (s *scheduler) SoftHalt(index int) {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()

	s.skipSet[index] = struct{}{}
	s.lowerCeiling(index + 1)
}

// liftCeiling removes the skip mark of an aborted transaction and restores
// the execution ceiling accordingly, bounded by the hard limit.
func (s *scheduler) liftCeiling(index int) {
	s.skipMu.Lock()
	defer s.skipMu.Unlock()

	_, found := s.skipSet[index]
	if !found {
		return
	}

	delete(s.skipSet, index)

	limit := s.hardLimit
	for idx := range s.skipSet {
		if idx+1 < limit {
			limit = idx + 1
		}
	}

	s.ceiling.Store(int32(limit))
	s.decreaseExecutionIndex(index + 1)
}

// lowerCeiling lowers the effective limit. The callers hold skipMu so the
// ceiling writers never race each other.
func (s *scheduler) lowerCeiling(limit int) {
	if int32(limit) < s.ceiling.Load() {
		s.ceiling.Store(int32(limit))
	}
}

func (s *scheduler) resume(blocking int, indices map[int]struct{}) {
	if len(indices) == 0 {
		return
	}

	min := -1

	for index := range indices {
		blk := s.blockers[index]
		blk.Lock()
		delete(blk.indices, blocking)
		ready := len(blk.indices) == 0
		blk.Unlock()

		if ready {
			s.setReady(index)

			if min == -1 || index < min {
				min = index
			}
		}
	}

	if min != -1 {
		s.decreaseExecutionIndex(min)
	}
}

func (s *scheduler) setReady(index int) {
	st := s.states[index]
	st.Lock()
	st.incarnation++
	st.status = statusReady
	st.Unlock()
}

func (s *scheduler) nextVersionToValidate() *mvcc.Version {
	if s.validationIndex.Load() >= int32(s.size) {
		return nil
	}

	index := int(s.validationIndex.Add(1) - 1)
	if index >= s.size {
		return nil
	}

	st := s.states[index]
	st.Lock()
	status, incarnation := st.status, st.incarnation
	st.Unlock()

	if status == statusExecuted {
		return &mvcc.Version{Index: index, Incarnation: incarnation}
	}

	return nil
}

func (s *scheduler) nextVersionToExecute() *mvcc.Version {
	if s.executionIndex.Load() >= s.ceiling.Load() {
		return nil
	}

	index := int(s.executionIndex.Add(1) - 1)

	return s.tryIncarnation(index)
}

func (s *scheduler) tryIncarnation(index int) *mvcc.Version {
	if index >= s.size {
		return nil
	}

	st := s.states[index]
	st.Lock()
	defer st.Unlock()

	if st.status == statusReady {
		st.status = statusExecuting
		return &mvcc.Version{Index: index, Incarnation: st.incarnation}
	}

	return nil
}

func (s *scheduler) decreaseExecutionIndex(index int) {
	for {
		current := s.executionIndex.Load()
		if current <= int32(index) {
			return
		}

		if s.executionIndex.CompareAndSwap(current, int32(index)) {
			return
		}
	}
}

func (s *scheduler) decreaseValidationIndex(index int) {
	for {
		current := s.validationIndex.Load()
		if current <= int32(index) {
			return
		}

		if s.validationIndex.CompareAndSwap(current, int32(index)) {
			return
		}
	}
}
