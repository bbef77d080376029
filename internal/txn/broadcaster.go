package txn

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/web3"
	"reward-accumulator/pkg/logger"
)

// DefaultPollInterval is the wait between two receipt queries.
const DefaultPollInterval = 15 * time.Second

// Broadcaster submits signed transactions and waits for their receipts.
type Broadcaster struct {
	submitter web3.Submitter
	receipts  web3.ReceiptReader
	clock     clockwork.Clock
	interval  time.Duration
	sink      audit.Sink
	log       *slog.Logger
}

// BroadcasterOption customises a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) BroadcasterOption {
	return func(b *Broadcaster) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(interval time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if interval > 0 {
			b.interval = interval
		}
	}
}

// WithAuditSink appends a record for every confirmed transaction. A nil sink
// disables auditing.
func WithAuditSink(sink audit.Sink) BroadcasterOption {
	return func(b *Broadcaster) { b.sink = sink }
}

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBroadcaster creates a broadcaster on top of a submitter and receipt reader.
func NewBroadcaster(submitter web3.Submitter, receipts web3.ReceiptReader, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		submitter: submitter,
		receipts:  receipts,
		clock:     clockwork.NewRealClock(),
		interval:  DefaultPollInterval,
		log:       logger.Named("broadcaster"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Broadcast submits tx and blocks until its receipt is available. There is no
// timeout: cancel ctx to stop waiting. Cancelling never revokes a submitted
// transaction, it only stops the polling.
func (b *Broadcaster) Broadcast(ctx context.Context, tx *SignedTransaction) (*types.Receipt, error) {
	if tx == nil || tx.tx == nil {
		return nil, xerrors.New(xerrors.CodeEncodingFailed, "transaction was not signed")
	}
	meta := []xerrors.Option{
		xerrors.WithMetadata("kind", string(tx.Kind)),
		xerrors.WithMetadata("hash", tx.Hash.Hex()),
	}
	if !tx.claim() {
		return nil, xerrors.New(xerrors.CodeAlreadyBroadcast, "", meta...)
	}

	submittedAt := b.clock.Now()
	if err := b.submitter.SendTransaction(ctx, tx.tx); err != nil {
		metrics.TransactionsSubmittedTotal.WithLabelValues(string(tx.Kind), "rejected").Inc()
		return nil, xerrors.Wrap(xerrors.CodeSubmissionRejected, err, "", append(meta,
			xerrors.WithMetadata("nonce", strconv.FormatUint(tx.Nonce, 10)))...)
	}
	metrics.TransactionsSubmittedTotal.WithLabelValues(string(tx.Kind), "submitted").Inc()
	b.log.Info("transaction submitted",
		slog.String("kind", string(tx.Kind)),
		slog.String("hash", tx.Hash.Hex()),
		slog.String("run_id", audit.RunIDFrom(ctx)))

	receipt, err := b.waitForReceipt(ctx, tx)
	if err != nil {
		return nil, err
	}
	metrics.ConfirmationLatency.WithLabelValues(string(tx.Kind)).Observe(b.clock.Since(submittedAt).Seconds())
	b.log.Info("transaction confirmed",
		slog.String("kind", string(tx.Kind)),
		slog.String("hash", tx.Hash.Hex()),
		slog.Uint64("status", receipt.Status))

	b.record(ctx, tx)
	return receipt, nil
}

// waitForReceipt polls immediately, then once per interval. It returns at the
// first receipt it sees.
func (b *Broadcaster) waitForReceipt(ctx context.Context, tx *SignedTransaction) (*types.Receipt, error) {
	for attempt := 1; ; attempt++ {
		receipt, err := b.receipts.Receipt(ctx, tx.Hash)
		switch {
		case err != nil:
			metrics.ReceiptPollsTotal.WithLabelValues("error").Inc()
			if ctx.Err() == nil {
				b.log.Warn("receipt query failed, retrying",
					slog.String("hash", tx.Hash.Hex()),
					slog.Int("attempt", attempt),
					slog.Any("error", err))
			}
		case receipt != nil:
			metrics.ReceiptPollsTotal.WithLabelValues("found").Inc()
			return receipt, nil
		default:
			metrics.ReceiptPollsTotal.WithLabelValues("absent").Inc()
			b.log.Debug("receipt not yet available", slog.String("hash", tx.Hash.Hex()), slog.Int("attempt", attempt))
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeInterrupted, ctx.Err(), "stopped waiting for receipt",
				xerrors.WithMetadata("kind", string(tx.Kind)),
				xerrors.WithMetadata("hash", tx.Hash.Hex()))
		case <-b.clock.After(b.interval):
		}
	}
}

func (b *Broadcaster) record(ctx context.Context, tx *SignedTransaction) {
	if b.sink == nil {
		return
	}
	rec := audit.Record{
		Timestamp: b.clock.Now().UTC(),
		Kind:      tx.Kind,
		Hash:      tx.Hash.Hex(),
		RunID:     audit.RunIDFrom(ctx),
	}
	// the receipt is already final, so a cancelled ctx must not drop the record
	if err := b.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		metrics.AuditFailuresTotal.Inc()
		b.log.Error("append audit record", slog.String("hash", rec.Hash), slog.Any("error", err))
	}
}
