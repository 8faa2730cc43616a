package blockexec

import (
	"context"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainware/parex/core/execution"
	"github.com/chainware/parex/core/store"
	"github.com/chainware/parex/core/store/kv"
	"github.com/chainware/parex/core/store/mem"
	"github.com/chainware/parex/core/txn"
	"github.com/chainware/parex/core/txn/basic"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestService_Process_Empty(t *testing.T) {
	srvc := NewService(fakeExec{}, Config{Concurrency: 4})

	res, err := srvc.Process(context.Background(), mem.NewStore(), nil)
	require.NoError(t, err)
	require.Empty(t, res.Results)
	require.Empty(t, res.WriteSet)
}

func TestService_Process_Single(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.Set([]byte("A"), u64(1))
			return accepted(), nil
		},
	}}

	srvc := NewService(exec, Config{Concurrency: 4})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(1))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	status, _ := res.Results[0].GetStatus()
	require.Equal(t, Accepted, status)
	require.Equal(t, map[string][]byte{"A": u64(1)}, flatten(res.WriteSet))
}

// The canonical conflict: T1 reads the key T0 writes. Whatever the
// interleaving, the result must be the sequential one.
func TestService_Process_ReadAfterWrite(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.Set([]byte("A"), u64(1))
			return accepted(), nil
		},
		func(snap store.Snapshot) (execution.Result, error) {
			a := readU64(t, snap, "A")
			snap.Set([]byte("B"), u64(a+1))
			return accepted(), nil
		},
	}}

	for i := 0; i < 50; i++ {
		srvc := NewService(exec, Config{Concurrency: 4})

		res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(2))
		require.NoError(t, err)

		require.Equal(t, map[string][]byte{
			"A": u64(1),
			"B": u64(2),
		}, flatten(res.WriteSet))
	}
}

// A transaction that is re-executed because its own dependency changed
// must drag its dependents through re-validation as well.
func TestService_Process_Cascade(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.Set([]byte("K"), u64(5))
			return accepted(), nil
		},
		func(snap store.Snapshot) (execution.Result, error) {
			k := readU64(t, snap, "K")
			snap.Set([]byte("A"), u64(k+2))
			return accepted(), nil
		},
		func(snap store.Snapshot) (execution.Result, error) {
			a := readU64(t, snap, "A")
			snap.Set([]byte("B"), u64(a+1))
			return accepted(), nil
		},
	}}

	for i := 0; i < 50; i++ {
		srvc := NewService(exec, Config{Concurrency: 4})

		res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(3))
		require.NoError(t, err)

		require.Equal(t, map[string][]byte{
			"K": u64(5),
			"A": u64(7),
			"B": u64(8),
		}, flatten(res.WriteSet))
	}
}

func TestService_Process_DisjointKeys(t *testing.T) {
	n := 32

	var executions int32

	steps := make([]step, n)
	for i := 0; i < n; i++ {
		key := []byte{byte(i)}
		steps[i] = func(snap store.Snapshot) (execution.Result, error) {
			atomic.AddInt32(&executions, 1)
			snap.Set(key, u64(1))
			return accepted(), nil
		}
	}

	srvc := NewService(fakeExec{steps: steps}, Config{Concurrency: 8})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(n))
	require.NoError(t, err)
	require.Len(t, res.WriteSet, n)

	// without conflicts no transaction is ever re-executed
	require.Equal(t, int32(n), atomic.LoadInt32(&executions))
}

func TestService_Process_Rejected(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.Set([]byte("A"), u64(1))
			return execution.Result{Message: "out of funds", GasUsed: 1}, nil
		},
		func(snap store.Snapshot) (execution.Result, error) {
			a := readU64(t, snap, "A")
			snap.Set([]byte("B"), u64(a+1))
			return accepted(), nil
		},
	}}

	srvc := NewService(exec, Config{Concurrency: 4})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(2))
	require.NoError(t, err)

	status, msg := res.Results[0].GetStatus()
	require.Equal(t, Rejected, status)
	require.Equal(t, "out of funds", msg)

	// the rejected write of A must not be visible to T1
	require.Equal(t, map[string][]byte{"B": u64(1)}, flatten(res.WriteSet))
}

func TestService_Process_SkipRest(t *testing.T) {
	exec := fakeExec{steps: []step{
		writeStep("A", 1),
		func(snap store.Snapshot) (execution.Result, error) {
			snap.Set([]byte("B"), u64(2))
			res := accepted()
			res.SkipRest = true
			return res, nil
		},
		writeStep("C", 3),
		writeStep("D", 4),
	}}

	srvc := NewService(exec, Config{Concurrency: 4})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(4))
	require.NoError(t, err)

	require.Equal(t, map[string][]byte{
		"A": u64(1),
		"B": u64(2),
	}, flatten(res.WriteSet))

	for i, expected := range []Status{Accepted, Accepted, Skipped, Skipped} {
		status, _ := res.Results[i].GetStatus()
		require.Equal(t, expected, status)
	}
}

func TestService_Process_GasLimit(t *testing.T) {
	exec := fakeExec{steps: []step{
		writeStep("A", 1),
		writeStep("B", 2),
		writeStep("C", 3),
		writeStep("D", 4),
	}}

	srvc := NewService(exec, Config{Concurrency: 4, MaxBlockGas: 2})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(4))
	require.NoError(t, err)

	require.Equal(t, map[string][]byte{
		"A": u64(1),
		"B": u64(2),
	}, flatten(res.WriteSet))
	require.Equal(t, uint64(2), res.GasUsed)

	status, _ := res.Results[2].GetStatus()
	require.Equal(t, Skipped, status)
}

func TestService_Process_Deferred(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.(DeferredWriter).SetDeferred([]byte("agg"), 7, u64(5))
			return accepted(), nil
		},
		func(snap store.Snapshot) (execution.Result, error) {
			// a speculative reader observes the placeholder bytes
			agg := readU64(t, snap, "agg")
			snap.Set([]byte("B"), u64(agg+1))
			return accepted(), nil
		},
	}}

	srvc := NewService(exec, Config{
		Concurrency: 4,
		Resolver: func(tag uint64) ([]byte, error) {
			require.Equal(t, uint64(7), tag)
			return u64(100), nil
		},
	})

	res, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(2))
	require.NoError(t, err)

	require.Equal(t, map[string][]byte{
		"agg": u64(100),
		"B":   u64(6),
	}, flatten(res.WriteSet))
}

func TestService_Process_DeferredWithoutResolver(t *testing.T) {
	exec := fakeExec{steps: []step{
		func(snap store.Snapshot) (execution.Result, error) {
			snap.(DeferredWriter).SetDeferred([]byte("agg"), 7, u64(5))
			return accepted(), nil
		},
	}}

	srvc := NewService(exec, Config{Concurrency: 2})

	_, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(1))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInternal)
}

func TestService_Process_ExecutorFailure(t *testing.T) {
	exec := fakeExec{steps: []step{
		writeStep("A", 1),
		func(store.Snapshot) (execution.Result, error) {
			return execution.Result{}, xerrors.New("vm crashed")
		},
	}}

	srvc := NewService(exec, Config{Concurrency: 2})

	_, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(2))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to execute transaction 1")
}

func TestService_Process_Timeout(t *testing.T) {
	steps := make([]step, 8)
	for i := range steps {
		steps[i] = func(snap store.Snapshot) (execution.Result, error) {
			time.Sleep(20 * time.Millisecond)
			return accepted(), nil
		}
	}

	srvc := NewService(fakeExec{steps: steps}, Config{
		Concurrency: 2,
		Timeout:     10 * time.Millisecond,
	})

	_, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(8))
	require.Error(t, err)
	require.Contains(t, err.Error(), "processing interrupted")
}

func TestService_Process_CommitHook(t *testing.T) {
	var got *BlockResult

	srvc := NewService(fakeExec{steps: []step{writeStep("A", 1)}}, Config{
		Concurrency: 2,
		Committed: func(res BlockResult) error {
			got = &res
			return nil
		},
	})

	_, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, map[string][]byte{"A": u64(1)}, flatten(got.WriteSet))

	srvc = NewService(fakeExec{steps: []step{writeStep("A", 1)}}, Config{
		Concurrency: 2,
		Committed: func(BlockResult) error {
			return xerrors.New("disk full")
		},
	})

	_, err = srvc.Process(context.Background(), mem.NewStore(), makeTxs(1))
	require.EqualError(t, err, "commit hook failed: disk full")
}

func TestService_Process_Persist(t *testing.T) {
	db, err := kv.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	defer db.Close()

	state := kv.NewState(db, []byte("state"))

	srvc := NewService(fakeExec{steps: []step{
		writeStep("A", 1),
		func(snap store.Snapshot) (execution.Result, error) {
			require.NoError(t, snap.Delete([]byte("old")))
			return accepted(), nil
		},
	}}, Config{
		Concurrency: 2,
		Committed: func(res BlockResult) error {
			return state.Apply(res.Apply)
		},
	})

	err = state.Apply(func(w store.Writable) error {
		return w.Set([]byte("old"), []byte{9})
	})
	require.NoError(t, err)

	_, err = srvc.Process(context.Background(), state, makeTxs(2))
	require.NoError(t, err)

	value, err := state.Get([]byte("A"))
	require.NoError(t, err)
	require.Equal(t, u64(1), value)

	value, err = state.Get([]byte("old"))
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestService_Watch(t *testing.T) {
	srvc := NewService(fakeExec{steps: []step{writeStep("A", 1)}}, Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := srvc.Watch(ctx)

	_, err := srvc.Process(context.Background(), mem.NewStore(), makeTxs(1))
	require.NoError(t, err)

	evt := <-events
	require.Equal(t, map[string][]byte{"A": u64(1)}, flatten(evt.Result.WriteSet))

	cancel()

	_, more := <-events
	require.False(t, more)
}

// Random blocks of conflicting transactions must produce exactly the
// write-set and statuses of a sequential run, whatever the policy and the
// interleaving.
func TestService_Process_SerialEquivalence(t *testing.T) {
	for _, policy := range []EstimatePolicy{EstimateWait, EstimateSkip} {
		rng := rand.New(rand.NewSource(42))

		for round := 0; round < 20; round++ {
			n := 1 + rng.Intn(40)

			plan := makePlan(rng, n)

			base := map[string][]byte{
				"k0": u64(1000),
				"k1": u64(2000),
			}

			expected := runSerial(t, plan, base)

			srvc := NewService(fakeExec{steps: plan.steps(t)}, Config{
				Concurrency: 8,
				OnEstimate:  policy,
			})

			res, err := srvc.Process(context.Background(), baseStore(base), makeTxs(n))
			require.NoError(t, err)

			require.Equal(t, expected.writes, flattenFull(res.WriteSet))
			require.Equal(t, uint64(n), res.GasUsed)

			for i, rejected := range expected.rejected {
				status, _ := res.Results[i].GetStatus()
				if rejected {
					require.Equal(t, Rejected, status, "round %d tx %d", round, i)
				} else {
					require.Equal(t, Accepted, status, "round %d tx %d", round, i)
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Utility functions

type step func(snap store.Snapshot) (execution.Result, error)

type fakeExec struct {
	steps []step
}

func (e fakeExec) Execute(tx txn.Transaction, snap store.Snapshot) (execution.Result, error) {
	return e.steps[tx.GetNonce()](snap)
}

func makeTxs(n int) []txn.Transaction {
	txs := make([]txn.Transaction, n)
	for i := 0; i < n; i++ {
		txs[i] = basic.NewTransaction([]byte("sender"), uint64(i))
	}

	return txs
}

func accepted() execution.Result {
	return execution.Result{Accepted: true, GasUsed: 1}
}

func writeStep(key string, value uint64) step {
	return func(snap store.Snapshot) (execution.Result, error) {
		snap.Set([]byte(key), u64(value))
		return accepted(), nil
	}
}

func u64(v uint64) []byte {
	buffer := make([]byte, 8)
	binary.BigEndian.PutUint64(buffer, v)

	return buffer
}

func readU64(t *testing.T, snap store.Readable, key string) uint64 {
	value, err := snap.Get([]byte(key))
	require.NoError(t, err)

	if value == nil {
		return 0
	}

	return binary.BigEndian.Uint64(value)
}

func flatten(ws []KeyValue) map[string][]byte {
	out := make(map[string][]byte)
	for _, kv := range ws {
		if !kv.Deleted {
			out[string(kv.Key)] = kv.Value
		}
	}

	return out
}

type flatEntry struct {
	value   string
	deleted bool
}

func flattenFull(ws []KeyValue) map[string]flatEntry {
	out := make(map[string]flatEntry)
	for _, kv := range ws {
		out[string(kv.Key)] = flatEntry{value: string(kv.Value), deleted: kv.Deleted}
	}

	return out
}

func baseStore(values map[string][]byte) *mem.Store {
	base := mem.NewStore()
	for key, value := range values {
		base.Set([]byte(key), value)
	}

	return base
}

// Plan is a randomly generated block: every transaction reads a couple of
// keys, then writes or deletes others with values derived from its reads.
type plan struct {
	reads    [][]string
	writes   [][]string
	deletes  [][]string
	rejected []bool
}

func makePlan(rng *rand.Rand, n int) plan {
	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"}

	p := plan{
		reads:    make([][]string, n),
		writes:   make([][]string, n),
		deletes:  make([][]string, n),
		rejected: make([]bool, n),
	}

	for i := 0; i < n; i++ {
		for r := 0; r < 2; r++ {
			p.reads[i] = append(p.reads[i], keys[rng.Intn(len(keys))])
		}

		for w := 0; w < 1+rng.Intn(2); w++ {
			key := keys[rng.Intn(len(keys))]
			if rng.Intn(20) == 0 {
				p.deletes[i] = append(p.deletes[i], key)
			} else {
				p.writes[i] = append(p.writes[i], key)
			}
		}

		p.rejected[i] = rng.Intn(10) == 0
	}

	return p
}

func (p plan) run(t *testing.T, index int, snap store.Snapshot) (execution.Result, error) {
	sum := uint64(index + 1)
	for _, key := range p.reads[index] {
		sum += readU64(t, snap, key)
	}

	for _, key := range p.writes[index] {
		require.NoError(t, snap.Set([]byte(key), u64(sum)))
	}

	for _, key := range p.deletes[index] {
		require.NoError(t, snap.Delete([]byte(key)))
	}

	res := accepted()
	if p.rejected[index] {
		res = execution.Result{Message: "rejected by plan", GasUsed: 1}
	}

	return res, nil
}

func (p plan) steps(t *testing.T) []step {
	steps := make([]step, len(p.reads))
	for i := range steps {
		index := i
		steps[i] = func(snap store.Snapshot) (execution.Result, error) {
			return p.run(t, index, snap)
		}
	}

	return steps
}

type serialResult struct {
	writes   map[string]flatEntry
	rejected []bool
}

// runSerial is the reference: strictly sequential execution with the
// writes of rejected transactions discarded.
func runSerial(t *testing.T, p plan, base map[string][]byte) serialResult {
	committed := mem.NewOverlay(baseStore(base))
	diff := make(map[string]flatEntry)

	for i := range p.reads {
		buffer := mem.NewOverlay(committed)

		res, err := p.run(t, i, buffer)
		require.NoError(t, err)

		if !res.Accepted {
			continue
		}

		for _, key := range p.writes[i] {
			value, err := buffer.Get([]byte(key))
			require.NoError(t, err)

			committed.Set([]byte(key), value)
			diff[key] = flatEntry{value: string(value)}
		}

		for _, key := range p.deletes[i] {
			committed.Delete([]byte(key))
			diff[key] = flatEntry{deleted: true}
		}
	}

	return serialResult{writes: diff, rejected: p.rejected}
}
