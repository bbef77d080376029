package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reward-accumulator/internal/audit"
	"reward-accumulator/internal/txn"
	"reward-accumulator/internal/web3"
)

// State is a step of the accumulation state machine.
type State string

const (
	StateClaim          State = "CLAIM"
	StateApproveSwap    State = "APPROVE_SWAP"
	StateSwap           State = "SWAP"
	StateApproveDeposit State = "APPROVE_DEPOSIT"
	StateDeposit        State = "DEPOSIT"
	StateDone           State = "DONE"
)

// States lists the steps in execution order, DONE last.
var States = []State{StateClaim, StateApproveSwap, StateSwap, StateApproveDeposit, StateDeposit, StateDone}

// TokenReference is a reserve token resolved from its symbol.
type TokenReference struct {
	Symbol  string
	Address common.Address
}

// Tokens holds the per-run token facts.
type Tokens struct {
	Reward  TokenReference
	Deposit TokenReference
	// Position is the set of assets whose incentives are claimed, the
	// interest bearing token of the deposit asset.
	Position []common.Address
}

// Confirmation is a confirmed step transaction.
type Confirmation struct {
	Step  State          `json:"step"`
	Kind  audit.Kind     `json:"kind"`
	Hash  common.Hash    `json:"hash"`
	Block *big.Int       `json:"block,omitempty"`
	To    common.Address `json:"to"`
}

// Run is the state of one pipeline invocation. It is never persisted.
type Run struct {
	ID             string         `json:"id"`
	State          State          `json:"state"`
	Tokens         Tokens         `json:"-"`
	RewardBalance  *big.Int       `json:"reward_balance,omitempty"`
	QuotedOut      *big.Int       `json:"quoted_out,omitempty"`
	MinOut         *big.Int       `json:"min_out,omitempty"`
	DepositBalance *big.Int       `json:"deposit_balance,omitempty"`
	Confirmations  []Confirmation `json:"confirmations"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}

// StepError reports the failing step with the amount and counterpart it was
// operating on.
type StepError struct {
	Step        State
	Amount      *big.Int
	Counterpart common.Address
	Err         error
}

func (e *StepError) Error() string {
	var details []string
	if e.Amount != nil {
		details = append(details, "amount="+e.Amount.String())
	}
	if e.Counterpart != (common.Address{}) {
		details = append(details, "counterpart="+e.Counterpart.Hex())
	}
	if len(details) == 0 {
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s (%s): %v", e.Step, strings.Join(details, ", "), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepName returns the failing step.
func (e *StepError) StepName() string { return string(e.Step) }

// Encoder builds the unsigned contract calls of each step.
type Encoder interface {
	Claim(ctx context.Context, position []common.Address) (web3.Operation, error)
	Approve(token, spender common.Address, amount *big.Int) (web3.Operation, error)
	Swap(amountIn, minOut *big.Int, path []common.Address, deadline time.Time) (web3.Operation, error)
	Deposit(asset common.Address, amount *big.Int) (web3.Operation, error)
}

// ChainReader answers the token and balance questions of a run.
type ChainReader interface {
	ReserveToken(ctx context.Context, symbol string) (common.Address, error)
	ATokenAddress(ctx context.Context, asset common.Address) (common.Address, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// QuoteSource estimates swap outputs.
type QuoteSource interface {
	Quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error)
}

// Signer signs step operations.
type Signer interface {
	Sign(ctx context.Context, kind audit.Kind, op web3.Operation) (*txn.SignedTransaction, error)
}

// Broadcaster submits a signed transaction and waits for its receipt.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *txn.SignedTransaction) (*types.Receipt, error)
}
