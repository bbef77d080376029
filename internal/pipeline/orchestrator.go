// Package pipeline sequences the claim, swap and deposit transactions.
//
// A run walks CLAIM, APPROVE_SWAP, SWAP, APPROVE_DEPOSIT and DEPOSIT in that
// order. Every step is signed, broadcast and confirmed before the next one
// starts, and amounts are re-read from the chain after each confirmation
// instead of being taken from call results. Any failure ends the run; confirmed
// steps are not rolled back and the next run starts again at CLAIM.
package pipeline

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/web3"
	"reward-accumulator/pkg/logger"
)

const (
	// DefaultSlippageBuffer is subtracted from the quoted swap output.
	DefaultSlippageBuffer = 1000
	// DefaultSwapDeadline bounds how long the router may hold the swap.
	DefaultSwapDeadline = 5 * time.Minute
)

// Config is the immutable input of every run.
type Config struct {
	Wallet         common.Address
	RewardSymbol   string
	DepositSymbol  string
	LendingPool    common.Address
	Router         common.Address
	SlippageBuffer *big.Int
	SwapDeadline   time.Duration
}

// Dependencies are the collaborators of the orchestrator.
type Dependencies struct {
	Encoder     Encoder
	Reader      ChainReader
	Quotes      QuoteSource
	Signer      Signer
	Broadcaster Broadcaster
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for deadlines and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// Orchestrator runs the five step state machine.
type Orchestrator struct {
	cfg   Config
	deps  Dependencies
	clock clockwork.Clock
	log   *slog.Logger
}

// New validates the wiring and returns an orchestrator.
func New(cfg Config, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Encoder == nil || deps.Reader == nil || deps.Quotes == nil || deps.Signer == nil || deps.Broadcaster == nil {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "pipeline dependencies are incomplete")
	}
	if cfg.RewardSymbol == "" || cfg.DepositSymbol == "" {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "reward and deposit symbols are required")
	}
	if cfg.SlippageBuffer == nil {
		cfg.SlippageBuffer = big.NewInt(DefaultSlippageBuffer)
	}
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = DefaultSwapDeadline
	}
	o := &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		clock: clockwork.NewRealClock(),
		log:   logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// MinimumOutput is the least swap output accepted for quote: the quote minus
// the buffer minus one base unit, never below zero.
func MinimumOutput(quote, buffer *big.Int) *big.Int {
	out := new(big.Int).Sub(quote, buffer)
	out.Sub(out, common.Big1)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// Run executes one full run and returns the deposited amount.
func (o *Orchestrator) Run(ctx context.Context) (*big.Int, error) {
	run, err := o.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(run.DepositBalance), nil
}

// Execute runs the state machine and returns the run state, which is
// populated up to the failing step on error.
func (o *Orchestrator) Execute(ctx context.Context) (*Run, error) {
	run := &Run{ID: audit.RunIDFrom(ctx), State: StateClaim, StartedAt: o.clock.Now()}
	log := o.log.With(slog.String("run_id", run.ID))

	err := o.execute(ctx, run, log)
	run.FinishedAt = o.clock.Now()
	if err != nil {
		log.Error("pipeline run failed", slog.String("state", string(run.State)), slog.Any("error", err))
		return run, err
	}
	metrics.DepositedAmount.Set(bigToFloat(run.DepositBalance))
	log.Info("pipeline run finished",
		slog.String("deposited", run.DepositBalance.String()),
		slog.String("asset", run.Tokens.Deposit.Symbol),
		slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, log *slog.Logger) error {
	tokens, err := o.resolveTokens(ctx)
	if err != nil {
		return &StepError{Step: StateClaim, Err: err}
	}
	run.Tokens = tokens
	log.Info("pipeline run started",
		slog.String("reward", tokens.Reward.Symbol+"@"+tokens.Reward.Address.Hex()),
		slog.String("deposit", tokens.Deposit.Symbol+"@"+tokens.Deposit.Address.Hex()))

	path := []common.Address{tokens.Reward.Address, tokens.Deposit.Address}
	wallet := o.cfg.Wallet

	// CLAIM: the claimed amount is whatever the reward balance reads after
	// confirmation.
	op, err := o.deps.Encoder.Claim(ctx, tokens.Position)
	if err != nil {
		return &StepError{Step: StateClaim, Err: err}
	}
	if err := o.submit(ctx, run, audit.KindClaim, op, nil); err != nil {
		return err
	}
	run.RewardBalance, err = o.deps.Reader.BalanceOf(ctx, tokens.Reward.Address, wallet)
	if err != nil {
		return o.readError(StateClaim, nil, tokens.Reward.Address, err)
	}
	log.Info("rewards claimed", slog.String("balance", run.RewardBalance.String()), slog.String("asset", tokens.Reward.Symbol))

	// APPROVE_SWAP: quote first so a dead route fails before paying for the
	// approval.
	run.State = StateApproveSwap
	run.QuotedOut, err = o.deps.Quotes.Quote(ctx, run.RewardBalance, path)
	if err != nil {
		return o.readError(StateApproveSwap, run.RewardBalance, o.cfg.Router, err)
	}
	run.MinOut = MinimumOutput(run.QuotedOut, o.cfg.SlippageBuffer)
	op, err = o.deps.Encoder.Approve(tokens.Reward.Address, o.cfg.Router, run.RewardBalance)
	if err != nil {
		return &StepError{Step: StateApproveSwap, Amount: run.RewardBalance, Counterpart: o.cfg.Router, Err: err}
	}
	if err := o.submit(ctx, run, audit.KindApproval, op, run.RewardBalance); err != nil {
		return err
	}

	// SWAP
	run.State = StateSwap
	deadline := o.clock.Now().Add(o.cfg.SwapDeadline)
	op, err = o.deps.Encoder.Swap(run.RewardBalance, run.MinOut, path, deadline)
	if err != nil {
		return &StepError{Step: StateSwap, Amount: run.RewardBalance, Counterpart: o.cfg.Router, Err: err}
	}
	if err := o.submit(ctx, run, audit.KindSwap, op, run.RewardBalance); err != nil {
		return err
	}
	log.Info("swap confirmed",
		slog.String("amount_in", run.RewardBalance.String()),
		slog.String("quoted_out", run.QuotedOut.String()),
		slog.String("min_out", run.MinOut.String()))

	// APPROVE_DEPOSIT: the deposit amount is the balance after the swap, not
	// the quote.
	run.State = StateApproveDeposit
	run.DepositBalance, err = o.deps.Reader.BalanceOf(ctx, tokens.Deposit.Address, wallet)
	if err != nil {
		return o.readError(StateApproveDeposit, nil, tokens.Deposit.Address, err)
	}
	op, err = o.deps.Encoder.Approve(tokens.Deposit.Address, o.cfg.LendingPool, run.DepositBalance)
	if err != nil {
		return &StepError{Step: StateApproveDeposit, Amount: run.DepositBalance, Counterpart: o.cfg.LendingPool, Err: err}
	}
	if err := o.submit(ctx, run, audit.KindApproval, op, run.DepositBalance); err != nil {
		return err
	}

	// DEPOSIT
	run.State = StateDeposit
	op, err = o.deps.Encoder.Deposit(tokens.Deposit.Address, run.DepositBalance)
	if err != nil {
		return &StepError{Step: StateDeposit, Amount: run.DepositBalance, Counterpart: o.cfg.LendingPool, Err: err}
	}
	if err := o.submit(ctx, run, audit.KindDeposit, op, run.DepositBalance); err != nil {
		return err
	}

	run.State = StateDone
	return nil
}

func (o *Orchestrator) resolveTokens(ctx context.Context) (Tokens, error) {
	reward, err := o.deps.Reader.ReserveToken(ctx, o.cfg.RewardSymbol)
	if err != nil {
		return Tokens{}, err
	}
	deposit, err := o.deps.Reader.ReserveToken(ctx, o.cfg.DepositSymbol)
	if err != nil {
		return Tokens{}, err
	}
	aToken, err := o.deps.Reader.ATokenAddress(ctx, deposit)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		Reward:   TokenReference{Symbol: o.cfg.RewardSymbol, Address: reward},
		Deposit:  TokenReference{Symbol: o.cfg.DepositSymbol, Address: deposit},
		Position: []common.Address{aToken},
	}, nil
}

// submit signs, broadcasts and confirms op for the current step.
func (o *Orchestrator) submit(ctx context.Context, run *Run, kind audit.Kind, op web3.Operation, amount *big.Int) error {
	step := run.State
	fail := func(err error) error {
		return &StepError{Step: step, Amount: amount, Counterpart: op.To, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(xerrors.Wrap(xerrors.CodeInterrupted, err, "run cancelled before "+string(step)))
	}

	started := o.clock.Now()
	receipt, err := o.confirm(ctx, kind, op)
	metrics.RecordStep(string(step), o.clock.Since(started).Seconds(), err)
	if err != nil {
		return fail(err)
	}
	run.Confirmations = append(run.Confirmations, Confirmation{
		Step:  step,
		Kind:  kind,
		Hash:  receipt.TxHash,
		Block: receipt.BlockNumber,
		To:    op.To,
	})
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, kind audit.Kind, op web3.Operation) (*types.Receipt, error) {
	signed, err := o.deps.Signer.Sign(ctx, kind, op)
	if err != nil {
		return nil, err
	}
	receipt, err := o.deps.Broadcaster.Broadcast(ctx, signed)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeTransactionReverted, "",
			xerrors.WithMetadata("hash", signed.Hash.Hex()),
			xerrors.WithMetadata("block", receipt.BlockNumber.String()))
	}
	if receipt.TxHash == (common.Hash{}) {
		receipt.TxHash = signed.Hash
	}
	return receipt, nil
}

func (o *Orchestrator) readError(step State, amount *big.Int, counterpart common.Address, err error) error {
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(xerrors.CodeChainReadFailed, err, "")
	}
	return &StepError{Step: step, Amount: amount, Counterpart: counterpart, Err: err}
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
