// Package basic implements a plain in-memory transaction.
//
// The transaction carries a sender, a nonce and a list of arguments. The
// identifier is generated when the transaction is created so that two
// transactions with the same content stay distinguishable in a block.
package basic

import (
	"github.com/rs/xid"
)

// Transaction is an in-memory transaction. The identifier is unique per
// instance.
//
// - implements txn.Transaction
type Transaction struct {
	id     []byte
	sender []byte
	nonce  uint64
	args   map[string][]byte
}

// TransactionOption is the type of options to create a transaction.
type TransactionOption func(*Transaction)

// WithArg is an option to set an argument with the key and the value.
func WithArg(key string, value []byte) TransactionOption {
	return func(tx *Transaction) {
		tx.args[key] = value
	}
}

// NewTransaction creates a new transaction from the sender with the
// provided nonce.
func NewTransaction(sender []byte, nonce uint64, opts ...TransactionOption) Transaction {
	tx := Transaction{
		id:     xid.New().Bytes(),
		sender: sender,
		nonce:  nonce,
		args:   make(map[string][]byte),
	}

	for _, opt := range opts {
		opt(&tx)
	}

	return tx
}

// GetID implements txn.Transaction. It returns the unique identifier of
// the transaction.
func (tx Transaction) GetID() []byte {
	return append([]byte{}, tx.id...)
}

// GetSender implements txn.Transaction. It returns the sender of the
// transaction.
func (tx Transaction) GetSender() []byte {
	return append([]byte{}, tx.sender...)
}

// GetNonce implements txn.Transaction. It returns the sequence number of
// the transaction for its sender.
func (tx Transaction) GetNonce() uint64 {
	return tx.nonce
}

// GetArg implements txn.Transaction. It returns the value of the argument
// if it is set, otherwise nil.
func (tx Transaction) GetArg(key string) []byte {
	return tx.args[key]
}
