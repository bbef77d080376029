// Package contracts encodes calls to and decodes reads from the lending
// protocol (incentives controller, data provider, lending pool), ERC20 tokens
// and the exchange router.
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/web3"
)

// Addresses lists the protocol contracts.
type Addresses struct {
	Incentives   common.Address
	DataProvider common.Address
	LendingPool  common.Address
	Router       common.Address
}

// ReserveToken is one entry of the data provider reserve list.
type ReserveToken struct {
	Symbol       string
	TokenAddress common.Address
}

// Protocol reads and encodes calls on behalf of a single wallet.
type Protocol struct {
	caller web3.Caller
	owner  common.Address
	addrs  Addresses
}

// NewProtocol binds the contract set to owner.
func NewProtocol(caller web3.Caller, owner common.Address, addrs Addresses) *Protocol {
	return &Protocol{caller: caller, owner: owner, addrs: addrs}
}

// Addresses returns the configured contract addresses.
func (p *Protocol) Addresses() Addresses { return p.addrs }

// Claim encodes claimRewards for the pending rewards of position, paid to the
// owner.
func (p *Protocol) Claim(ctx context.Context, position []common.Address) (web3.Operation, error) {
	pending, err := p.PendingRewards(ctx, position)
	if err != nil {
		return web3.Operation{}, err
	}
	return pack(IncentivesABI, p.addrs.Incentives, "claimRewards", position, pending, p.owner)
}

// Approve encodes an ERC20 approve of amount for spender on token.
func (p *Protocol) Approve(token, spender common.Address, amount *big.Int) (web3.Operation, error) {
	return pack(ERC20ABI, token, "approve", spender, amount)
}

// Swap encodes swapExactTokensForTokens with the owner as recipient.
func (p *Protocol) Swap(amountIn, minOut *big.Int, path []common.Address, deadline time.Time) (web3.Operation, error) {
	return pack(RouterABI, p.addrs.Router, "swapExactTokensForTokens",
		amountIn, minOut, path, p.owner, big.NewInt(deadline.Unix()))
}

// Deposit encodes a lending pool deposit on behalf of the owner.
func (p *Protocol) Deposit(asset common.Address, amount *big.Int) (web3.Operation, error) {
	return pack(LendingPoolABI, p.addrs.LendingPool, "deposit", asset, amount, p.owner, uint16(0))
}

// ReserveTokens lists every reserve of the lending market.
func (p *Protocol) ReserveTokens(ctx context.Context) ([]ReserveToken, error) {
	out, err := p.call(ctx, DataProviderABI, p.addrs.DataProvider, "getAllReservesTokens")
	if err != nil {
		return nil, err
	}
	tokens, ok := abi.ConvertType(out[0], new([]ReserveToken)).(*[]ReserveToken)
	if !ok {
		return nil, readError("getAllReservesTokens", fmt.Errorf("unexpected output %T", out[0]))
	}
	return *tokens, nil
}

// ReserveToken resolves symbol to its reserve address. Matching ignores case.
func (p *Protocol) ReserveToken(ctx context.Context, symbol string) (common.Address, error) {
	tokens, err := p.ReserveTokens(ctx)
	if err != nil {
		return common.Address{}, err
	}
	for _, token := range tokens {
		if strings.EqualFold(token.Symbol, symbol) {
			return token.TokenAddress, nil
		}
	}
	return common.Address{}, xerrors.New(xerrors.CodeConfigurationInvalid, "token is not a reserve of the lending market",
		xerrors.WithMetadata("symbol", symbol))
}

// ATokenAddress returns the interest bearing token for asset.
func (p *Protocol) ATokenAddress(ctx context.Context, asset common.Address) (common.Address, error) {
	out, err := p.call(ctx, DataProviderABI, p.addrs.DataProvider, "getReserveTokensAddresses", asset)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// PendingRewards returns the unclaimed rewards of the owner for assets.
func (p *Protocol) PendingRewards(ctx context.Context, assets []common.Address) (*big.Int, error) {
	out, err := p.call(ctx, IncentivesABI, p.addrs.Incentives, "getRewardsBalance", assets, p.owner)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// BalanceOf returns the ERC20 balance of account.
func (p *Protocol) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := p.call(ctx, ERC20ABI, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Quote returns the router's expected output of swapping amountIn along path.
func (p *Protocol) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	out, err := p.call(ctx, RouterABI, p.addrs.Router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	if len(amounts) != len(path) || len(amounts) == 0 {
		return nil, readError("getAmountsOut", fmt.Errorf("got %d amounts for a path of %d", len(amounts), len(path)))
	}
	return amounts[len(amounts)-1], nil
}

func (p *Protocol) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailed, err, "pack call", xerrors.WithMetadata("method", method))
	}
	raw, err := p.caller.CallContract(ctx, gethcore.CallMsg{From: p.owner, To: &to, Data: data})
	if err != nil {
		return nil, readError(method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, readError(method, err)
	}
	if len(out) == 0 {
		return nil, readError(method, fmt.Errorf("empty result"))
	}
	return out, nil
}

func pack(contract abi.ABI, to common.Address, method string, args ...any) (web3.Operation, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return web3.Operation{}, xerrors.Wrap(xerrors.CodeEncodingFailed, err, "pack call", xerrors.WithMetadata("method", method))
	}
	return web3.Operation{To: to, Data: data}, nil
}

func readError(method string, err error) error {
	return xerrors.Wrap(xerrors.CodeChainReadFailed, err, "contract read failed", xerrors.WithMetadata("method", method))
}
