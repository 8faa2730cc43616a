// Package txn defines the abstraction of transactions.
//
// A transaction is the input of an execution. It is uniquely identifiable
// via a digest and it can be sorted with the nonce that acts as a sequence
// number for a given sender. The engine treats the payload as opaque; the
// arguments are only interpreted by the execution service.
package txn

// Transaction is what triggers an execution by passing it as part of the
// input of a block.
type Transaction interface {
	// GetID returns the unique identifier for the transaction.
	GetID() []byte

	// GetSender returns the identifier of the account that created the
	// transaction. Transactions of the same sender are sequenced by nonce.
	GetSender() []byte

	// GetNonce returns the nonce of the transaction which corresponds to
	// the sequence number of a unique sender.
	GetNonce() uint64

	// GetArg is a getter for the arguments of the transaction.
	GetArg(key string) []byte
}

// Arg is a generic argument that can be stored in a transaction.
type Arg struct {
	Key   string
	Value []byte
}
