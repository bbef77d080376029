package txn

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reward-accumulator/internal/audit"
)

// SignedTransaction is a broadcast-ready transaction. It may be handed to a
// Broadcaster once; later attempts fail with ALREADY_BROADCAST.
type SignedTransaction struct {
	Kind     audit.Kind
	Nonce    uint64
	From     common.Address
	To       common.Address
	GasPrice *big.Int
	GasLimit uint64
	Data     []byte
	ChainID  *big.Int
	Hash     common.Hash
	Raw      []byte

	tx       *types.Transaction
	consumed atomic.Bool
}

// Transaction returns the underlying go-ethereum transaction.
func (s *SignedTransaction) Transaction() *types.Transaction { return s.tx }

// Broadcast reports whether the transaction has already been handed out.
func (s *SignedTransaction) Broadcast() bool { return s.consumed.Load() }

func (s *SignedTransaction) claim() bool {
	return s.consumed.CompareAndSwap(false, true)
}
