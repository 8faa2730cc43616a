// Package execution defines the service to execute a single transaction
// against a snapshot of the state.
//
// The engine hands a recording snapshot to the service, so the service
// never needs to know whether it is running inside a speculative attempt
// or a sequential replay.
package execution

import (
	"github.com/chainware/parex/core/store"
	"github.com/chainware/parex/core/txn"
)

// Event is emitted by a transaction during its execution. Events are part
// of the transaction output but never of the state.
type Event struct {
	Topic string
	Data  []byte
}

// Result is the result of a transaction execution.
type Result struct {
	// Accepted is the success state of the transaction.
	Accepted bool

	// Message gives a chance to the execution to explain why a transaction
	// has failed.
	Message string

	// GasUsed is the amount of gas consumed by the execution.
	GasUsed uint64

	// Events is the ordered list of events emitted during the execution.
	Events []Event

	// SkipRest indicates that no transaction after this one should be
	// executed in the block, for instance when an epoch change has been
	// triggered. The transactions after it are reported as skipped.
	SkipRest bool
}

// Service is the execution service that defines the primitives to execute
// a transaction.
type Service interface {
	// Execute must apply the transaction to the snapshot and return the
	// result of it. An error is a critical failure of the service itself,
	// not a rejection of the transaction.
	Execute(tx txn.Transaction, snap store.Snapshot) (Result, error)
}
