package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Operation is an unsigned contract call: a destination plus opaque ABI
// encoded call data. Encoders produce it; only the signer consumes it.
type Operation struct {
	To   common.Address
	Data []byte
}

// NonceReader returns the latest confirmed transaction count of an account.
type NonceReader interface {
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// FeeOracle quotes the current gas price in wei.
type FeeOracle interface {
	FeePrice(ctx context.Context) (*big.Int, error)
}

// Submitter broadcasts signed transactions.
type Submitter interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ReceiptReader looks up transaction receipts. A nil receipt with a nil
// error means the transaction is not yet confirmed.
type ReceiptReader interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Caller executes read-only contract calls against the latest block.
type Caller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
}

// Client defines the chain capabilities the accumulator needs from a node.
type Client interface {
	NonceReader
	FeeOracle
	Submitter
	ReceiptReader
	Caller
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}
