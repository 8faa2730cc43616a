// Package blockexec implements the parallel execution of a block of
// transactions.
//
// The engine executes the transactions of a block optimistically over a
// fixed pool of workers. Every execution attempt runs against a versioned
// view of the state and records the versions it observed; a validation
// step re-resolves those reads and aborts the attempt when an earlier
// transaction has rewritten one of them in the meantime. Aborted
// transactions are re-executed with a fresh incarnation number. A commit
// index advances over the transactions in order, re-validating each one
// against the, by then final, state below it, so that the committed result
// is always equivalent to a sequential execution of the block.
//
// The engine only talks to the outside through the execution service, the
// readable base state and the commit hook. It never writes to durable
// storage itself.
package blockexec

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/chainware/parex"
	"github.com/chainware/parex/core"
	"github.com/chainware/parex/core/blockexec/mvcc"
	"github.com/chainware/parex/core/execution"
	"github.com/chainware/parex/core/store"
	"github.com/chainware/parex/core/txn"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// EstimatePolicy decides what a worker does when a read resolves to a cell
// that is being recomputed.
type EstimatePolicy int

const (
	// EstimateWait suspends the execution until the writer of the estimate
	// has been re-executed. This is the default as it avoids work that is
	// doomed to be invalidated.
	EstimateWait EstimatePolicy = iota

	// EstimateSkip reads past the estimate speculatively and relies on the
	// validation to catch a wrong speculation.
	EstimateSkip
)

// CommitHook is called once with the result of the block after it has been
// fully committed.
type CommitHook func(BlockResult) error

// Config is the configuration of the engine.
type Config struct {
	// Concurrency is the number of workers. It defaults to the number of
	// CPUs.
	Concurrency int

	// MaxBlockGas caps the cumulative gas of the committed transactions.
	// The transactions after the one crossing the cap are skipped. Zero
	// means no cap.
	MaxBlockGas uint64

	// Timeout bounds the processing of one block. Zero means no bound.
	Timeout time.Duration

	// OnEstimate is the policy applied when a read hits an estimate.
	OnEstimate EstimatePolicy

	// Resolver resolves the deferred tags at materialization time. It is
	// only required when the execution service installs deferred writes.
	Resolver DeferredResolver

	// Committed is called after the block has been fully processed.
	Committed CommitHook
}

// Event is sent to the observers of the engine every time a block has
// been fully processed.
type Event struct {
	Result BlockResult
}

// Service is the parallel execution engine.
type Service struct {
	exec    execution.Service
	cfg     Config
	logger  zerolog.Logger
	watcher core.Observable
}

// NewService creates an engine that will run the transactions with the
// given execution service.
func NewService(exec execution.Service, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}

	return &Service{
		exec:    exec,
		cfg:     cfg,
		logger:  parex.Logger.With().Str("service", "blockexec").Logger(),
		watcher: core.NewWatcher(),
	}
}

// Watch returns a channel populated with an event per processed block. The
// channel is closed when the context is done.
func (s *Service) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 100)

	obs := observer{ch: ch}
	s.watcher.Add(obs)

	go func() {
		<-ctx.Done()
		s.watcher.Remove(obs)
		close(ch)
	}()

	return ch
}

// Process executes the block against the base state and returns the
// per-transaction results and the final write-set. The caller gets either
// a complete result or an error for the whole attempt, never a partial
// one.
func (s *Service) Process(
	ctx context.Context,
	base store.Readable,
	txs []txn.Transaction,
) (BlockResult, error) {

	start := time.Now()

	res, err := s.process(ctx, base, txs)
	if err != nil {
		return BlockResult{}, err
	}

	promBlockSeconds.Observe(time.Since(start).Seconds())

	s.logger.Info().
		Int("txs", len(txs)).
		Uint64("gas", res.GasUsed).
		Dur("took", time.Since(start)).
		Msg("block processed")

	if s.cfg.Committed != nil {
		err = s.cfg.Committed(res)
		if err != nil {
			return BlockResult{}, xerrors.Errorf("commit hook failed: %v", err)
		}
	}

	s.watcher.Notify(Event{Result: res})

	return res, nil
}

type observer struct {
	ch chan Event
}

func (obs observer) NotifyCallback(event interface{}) {
	obs.ch <- event.(Event)
}

func (s *Service) process(
	ctx context.Context,
	base store.Readable,
	txs []txn.Transaction,
) (BlockResult, error) {

	if len(txs) == 0 {
		return BlockResult{Results: []TransactionResult{}, WriteSet: []KeyValue{}}, nil
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	r := &run{
		exec:    s.exec,
		cfg:     s.cfg,
		txs:     txs,
		base:    base,
		mv:      mvcc.NewStore(len(txs)),
		sched:   newScheduler(len(txs)),
		outputs: make([]*execution.Result, len(txs)),
	}

	wg := sync.WaitGroup{}
	wg.Add(s.cfg.Concurrency)

	for i := 0; i < s.cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}

	wg.Wait()

	err := r.err()
	if err != nil {
		return BlockResult{}, xerrors.Errorf("block attempt failed: %w", err)
	}

	return materialize(txs, r.outputs, r.mv, r.sched.Limit(), s.cfg.Resolver)
}

// Run is the state of the processing of one block. It is shared by the
// workers and torn down when the block is done.
type run struct {
	exec    execution.Service
	cfg     Config
	txs     []txn.Transaction
	base    store.Readable
	mv      *mvcc.Store
	sched   *scheduler
	outputs []*execution.Result

	commitMu sync.Mutex
	gasUsed  uint64

	failMu  sync.Mutex
	failure error
}

func (r *run) work(ctx context.Context) {
	var t *task

	for {
		if ctx.Err() != nil {
			r.fail(xerrors.Errorf("processing interrupted: %v", ctx.Err()))
			return
		}

		if t != nil {
			switch t.kind {
			case taskExecute:
				t = r.tryExecute(t.version)
			case taskValidate:
				t = r.tryValidate(t.version)
			}
		}

		if r.err() != nil {
			return
		}

		if t == nil {
			t = r.sched.NextTask()
		}

		if t == nil {
			if r.sched.Done() {
				return
			}

			runtime.Gosched()
		}
	}
}

func (r *run) tryExecute(version mvcc.Version) *task {
	promExecutions.Inc()

	view := newView(r.mv, r.base, version.Index, r.cfg.OnEstimate == EstimateSkip)

	res, err := r.exec.Execute(r.txs[version.Index], view)

	if view.blockedOn >= 0 {
		if !r.sched.AddDependency(version.Index, view.blockedOn) {
			// the blocking transaction finished in the meantime
			return &task{kind: taskExecute, version: version}
		}

		return nil
	}

	if err != nil {
		r.fail(xerrors.Errorf("failed to execute transaction %d: %v",
			version.Index, err))
		return nil
	}

	ws := view.writeSet()
	if !res.Accepted {
		// a rejected transaction leaves no trace in the state
		ws = nil
	}

	wroteNew, err := r.mv.Record(version, view.readSet(), ws)
	if err != nil {
		r.fail(xerrors.Errorf("failed to record transaction %d: %v: %w",
			version.Index, err, ErrInternal))
		return nil
	}

	r.outputs[version.Index] = &res

	if res.SkipRest {
		r.sched.SoftHalt(version.Index)
	}

	next := r.sched.FinishExecution(version, wroteNew)

	r.tryCommit()

	return next
}

func (r *run) tryValidate(version mvcc.Version) *task {
	promValidations.Inc()

	valid := r.mv.Validate(version.Index)

	aborted := !valid && r.sched.TryValidationAbort(version)
	if aborted {
		promAborts.Inc()
		r.mv.MarkEstimates(version.Index)
	}

	next := r.sched.FinishValidation(version.Index, aborted)

	if !aborted {
		r.tryCommit()
	}

	return next
}

// tryCommit advances the commit index as far as possible. Each transaction
// is validated one last time at the commit point, when everything below it
// is final, which makes the commit decision stable: no later event can
// invalidate a committed transaction.
func (r *run) tryCommit() {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	for {
		index := r.sched.CommitIndex()

		if index >= r.sched.Limit() {
			r.sched.Finish()
			return
		}

		version, ok := r.sched.StartCommit(index)
		if !ok {
			return
		}

		promValidations.Inc()

		if !r.mv.Validate(index) {
			promAborts.Inc()

			r.sched.FailCommit(version)
			r.mv.MarkEstimates(index)
			r.sched.Requeue(index)

			return
		}

		out := r.outputs[index]

		halt := out.SkipRest

		r.gasUsed += out.GasUsed
		if r.cfg.MaxBlockGas > 0 && r.gasUsed >= r.cfg.MaxBlockGas {
			halt = true
		}

		r.sched.FinishCommit(index)

		if halt {
			r.sched.Halt(index + 1)
		}
	}
}

func (r *run) fail(err error) {
	r.failMu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.failMu.Unlock()

	r.sched.Finish()
}

func (r *run) err() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()

	return r.failure
}
