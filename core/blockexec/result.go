package blockexec

import (
	"github.com/chainware/parex/core/blockexec/mvcc"
	"github.com/chainware/parex/core/execution"
	"github.com/chainware/parex/core/store"
	"github.com/chainware/parex/core/txn"
	"golang.org/x/xerrors"
)

// ErrInternal tags the failures that come from a broken invariant of the
// engine itself, as opposed to a rejected transaction which is a normal
// outcome. A block attempt that fails with this error must not be
// committed.
var ErrInternal = xerrors.New("internal invariant violation")

// Status is the final status of a transaction in a block.
type Status int8

// A transaction is accepted when its execution succeeded, rejected when
// the execution itself refused it, and skipped when an earlier transaction
// halted the block before it.
const (
	Accepted Status = iota
	Rejected
	Skipped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TransactionResult is the result of a single transaction of the block.
type TransactionResult struct {
	tx      txn.Transaction
	status  Status
	message string
	gas     uint64
	events  []execution.Event
}

// GetTransaction returns the transaction of the result.
func (r TransactionResult) GetTransaction() txn.Transaction {
	return r.tx
}

// GetStatus returns the status of the transaction and the reason when it
// has been rejected.
func (r TransactionResult) GetStatus() (Status, string) {
	return r.status, r.message
}

// GetGasUsed returns the gas consumed by the transaction.
func (r TransactionResult) GetGasUsed() uint64 {
	return r.gas
}

// GetEvents returns the events emitted by the transaction.
func (r TransactionResult) GetEvents() []execution.Event {
	return r.events
}

// KeyValue is one entry of the final write-set of a block.
type KeyValue struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// BlockResult is the complete outcome of a block: one result per
// transaction of the input, in order, and the flat write-set equivalent to
// a sequential execution of the block.
type BlockResult struct {
	Results  []TransactionResult
	WriteSet []KeyValue
	GasUsed  uint64
}

// Apply writes the final write-set to the writable store.
func (r BlockResult) Apply(w store.Writable) error {
	for _, kv := range r.WriteSet {
		var err error
		if kv.Deleted {
			err = w.Delete(kv.Key)
		} else {
			err = w.Set(kv.Key, kv.Value)
		}

		if err != nil {
			return xerrors.Errorf("failed to apply '%x': %v", kv.Key, err)
		}
	}

	return nil
}

// DeferredResolver resolves the deferred tags installed during the block
// into their final bytes, once every delta of the block is known.
type DeferredResolver func(tag uint64) ([]byte, error)

// materialize turns the multi-version store into the flat write-set and
// bundles the per-transaction outputs. Transactions at or above the limit
// are reported as skipped.
func materialize(
	txs []txn.Transaction,
	outputs []*execution.Result,
	mv *mvcc.Store,
	limit int,
	resolver DeferredResolver,
) (BlockResult, error) {

	ws, err := mv.Snapshot(limit)
	if err != nil {
		return BlockResult{}, xerrors.Errorf("dirty write-set: %v: %w", err, ErrInternal)
	}

	block := BlockResult{
		Results:  make([]TransactionResult, len(txs)),
		WriteSet: make([]KeyValue, 0, len(ws)),
	}

	for _, w := range ws {
		value := w.Value.Bytes

		if w.Value.Deferred != 0 {
			if resolver == nil {
				return BlockResult{}, xerrors.Errorf(
					"no resolver for deferred tag %d: %w", w.Value.Deferred, ErrInternal)
			}

			value, err = resolver(w.Value.Deferred)
			if err != nil {
				return BlockResult{}, xerrors.Errorf(
					"failed to resolve deferred tag %d: %v: %w", w.Value.Deferred, err, ErrInternal)
			}
		}

		block.WriteSet = append(block.WriteSet, KeyValue{
			Key:     []byte(w.Key),
			Value:   value,
			Deleted: w.Value.Deleted,
		})
	}

	for i, tx := range txs {
		if i >= limit {
			block.Results[i] = TransactionResult{tx: tx, status: Skipped}
			continue
		}

		out := outputs[i]
		if out == nil {
			return BlockResult{}, xerrors.Errorf(
				"missing output for transaction %d: %w", i, ErrInternal)
		}

		res := TransactionResult{
			tx:      tx,
			status:  Accepted,
			message: out.Message,
			gas:     out.GasUsed,
			events:  out.Events,
		}

		if !out.Accepted {
			res.status = Rejected
		}

		block.Results[i] = res
		block.GasUsed += out.GasUsed
	}

	return block, nil
}
