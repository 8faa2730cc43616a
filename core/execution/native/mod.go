// Package native implements an execution service to run native contracts.
//
// A native contract is written in Go and packaged with the application. A
// transaction selects the contract to run with its contract argument.
package native

import (
	"github.com/chainware/parex/core/execution"
	"github.com/chainware/parex/core/store"
	"github.com/chainware/parex/core/txn"
	"golang.org/x/xerrors"
)

const (
	// ContractArg is the argument key in the transaction to look up a
	// contract.
	ContractArg = "parex:contract"
)

// Contract is the interface to implement to register a contract that will
// be executed natively.
type Contract interface {
	Execute(snap store.Snapshot, tx txn.Transaction) (execution.Result, error)
}

// Service is an execution service for packaged applications. Those
// applications have complete access to the snapshot and can directly
// update it.
//
// - implements execution.Service
type Service struct {
	contracts map[string]Contract
}

// NewExecution returns a new native execution service.
func NewExecution() *Service {
	return &Service{
		contracts: map[string]Contract{},
	}
}

// Set stores the contract using the name as the key. A transaction can
// trigger this contract by using the same name as the contract argument.
func (ns *Service) Set(name string, contract Contract) {
	ns.contracts[name] = contract
}

// Execute implements execution.Service. It looks up the contract from the
// transaction argument and runs it against the snapshot.
func (ns *Service) Execute(tx txn.Transaction, snap store.Snapshot) (execution.Result, error) {
	name := string(tx.GetArg(ContractArg))

	contract := ns.contracts[name]
	if contract == nil {
		return execution.Result{}, xerrors.Errorf("unknown contract '%s'", name)
	}

	res, err := contract.Execute(snap, tx)
	if err != nil {
		res = execution.Result{
			Accepted: false,
			Message:  err.Error(),
		}
	}

	return res, nil
}
