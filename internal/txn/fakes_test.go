package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reward-accumulator/internal/audit"
)

type fakeChain struct {
	mu       sync.Mutex
	calls    []string
	nonce    uint64
	nonceErr error
	price    *big.Int
	priceErr error
	sendErr  error
	sent     []*types.Transaction

	// receipts returned by successive polls; nil entries mean absent
	polls    []*types.Receipt
	pollErrs []error
	pollN    int
}

func (f *fakeChain) NonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "nonce")
	return f.nonce, f.nonceErr
}

func (f *fakeChain) FeePrice(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fee")
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return new(big.Int).Set(f.price), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send")
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.pollN
	f.pollN++
	if idx < len(f.pollErrs) && f.pollErrs[idx] != nil {
		return nil, f.pollErrs[idx]
	}
	if idx < len(f.polls) {
		return f.polls[idx], nil
	}
	return nil, nil
}

func (f *fakeChain) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollN
}

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (r *recordingSink) Append(_ context.Context, record audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

var errRPC = errors.New("connection refused")
