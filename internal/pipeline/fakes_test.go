package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reward-accumulator/internal/audit"
	"reward-accumulator/internal/contracts"
)

var (
	wmatic = common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
	usdt   = common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
	amUSDT = common.HexToAddress("0x60D55F02A771d515e077c9C2403a1ef324885CeC")
	addrs  = contracts.Addresses{
		Incentives:   common.HexToAddress("0x357D51124f59836DeD84c8a1730D72B749d8BC23"),
		DataProvider: common.HexToAddress("0x7551b5D2763519d4e37e8B81929D336De671d46d"),
		LendingPool:  common.HexToAddress("0x8dFf5E27EA6b7AC08EbFdf9eB090F32ee9a30fcf"),
		Router:       common.HexToAddress("0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff"),
	}
	allABIs = []abi.ABI{contracts.IncentivesABI, contracts.ERC20ABI, contracts.RouterABI, contracts.LendingPoolABI, contracts.DataProviderABI}
)

type sentCall struct {
	method string
	to     common.Address
	args   []any
}

// fakeNode is an in-memory chain that understands the protocol calls the
// pipeline makes and moves balances when transactions land.
type fakeNode struct {
	mu             sync.Mutex
	wallet         common.Address
	nonce          uint64
	price          *big.Int
	balances       map[common.Address]*big.Int
	pendingRewards *big.Int
	quote          *big.Int
	swapOutput     *big.Int
	rejectMethod   string
	revertMethod   string
	quoteErr       error

	sent     []sentCall
	receipts map[common.Hash]*types.Receipt
}

func newFakeNode(wallet common.Address) *fakeNode {
	return &fakeNode{
		wallet:         wallet,
		price:          big.NewInt(30_000_000_000),
		balances:       map[common.Address]*big.Int{wmatic: new(big.Int), usdt: new(big.Int)},
		pendingRewards: big.NewInt(1000),
		quote:          big.NewInt(1500),
		swapOutput:     big.NewInt(1480),
		receipts:       make(map[common.Hash]*types.Receipt),
	}
}

func decodeCall(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, errors.New("short call data")
	}
	for _, contract := range allABIs {
		method, err := contract.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(data[4:])
		return method.Name, args, err
	}
	return "", nil, fmt.Errorf("unknown selector %x", data[:4])
}

func (n *fakeNode) NonceAt(_ context.Context, _ common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *fakeNode) FeePrice(_ context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.price), nil
}

func (n *fakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	name, args, err := decodeCall(tx.Data())
	if err != nil {
		return err
	}
	if name == n.rejectMethod {
		return errors.New("nonce too low")
	}
	n.sent = append(n.sent, sentCall{method: name, to: *tx.To(), args: args})
	n.nonce++

	status := types.ReceiptStatusSuccessful
	if name == n.revertMethod {
		status = types.ReceiptStatusFailed
	} else {
		n.apply(name, args)
	}
	n.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(100 + len(n.sent))),
	}
	return nil
}

func (n *fakeNode) apply(name string, args []any) {
	switch name {
	case "claimRewards":
		n.balances[wmatic].Add(n.balances[wmatic], args[1].(*big.Int))
	case "swapExactTokensForTokens":
		n.balances[wmatic].Sub(n.balances[wmatic], args[0].(*big.Int))
		n.balances[usdt].Add(n.balances[usdt], n.swapOutput)
	case "deposit":
		n.balances[usdt].Sub(n.balances[usdt], args[1].(*big.Int))
	}
}

func (n *fakeNode) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receipts[hash], nil
}

func (n *fakeNode) CallContract(_ context.Context, msg gethcore.CallMsg) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, contract := range allABIs {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		out, err := n.read(*msg.To, method.Name, args)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(out...)
	}
	return nil, errors.New("execution reverted")
}

func (n *fakeNode) read(to common.Address, method string, args []any) ([]any, error) {
	type reserve struct {
		Symbol       string
		TokenAddress common.Address
	}
	switch method {
	case "getAllReservesTokens":
		return []any{[]reserve{{"WMATIC", wmatic}, {"USDT", usdt}}}, nil
	case "getReserveTokensAddresses":
		return []any{amUSDT, common.Address{}, common.Address{}}, nil
	case "getRewardsBalance":
		return []any{new(big.Int).Set(n.pendingRewards)}, nil
	case "getAmountsOut":
		if n.quoteErr != nil {
			return nil, n.quoteErr
		}
		return []any{[]*big.Int{args[0].(*big.Int), new(big.Int).Set(n.quote)}}, nil
	case "balanceOf":
		balance, ok := n.balances[to]
		if !ok || args[0].(common.Address) != n.wallet {
			return []any{new(big.Int)}, nil
		}
		return []any{new(big.Int).Set(balance)}, nil
	}
	return nil, fmt.Errorf("unexpected read %s", method)
}

func (n *fakeNode) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.sent))
	for _, call := range n.sent {
		names = append(names, call.method)
	}
	return names
}

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingSink) Append(_ context.Context, record audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}
