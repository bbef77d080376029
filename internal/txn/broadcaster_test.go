package txn

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/web3"
)

type broadcastResult struct {
	receipt *types.Receipt
	err     error
}

func signFor(t *testing.T, chain *fakeChain, kind audit.Kind) *SignedTransaction {
	t.Helper()
	if chain.price == nil {
		chain.price = big.NewInt(1)
	}
	signed, err := newTestSigner(t, chain).Sign(context.Background(), kind, web3.Operation{To: router, Data: []byte{1}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func startBroadcast(ctx context.Context, b *Broadcaster, tx *SignedTransaction) <-chan broadcastResult {
	done := make(chan broadcastResult, 1)
	go func() {
		receipt, err := b.Broadcast(ctx, tx)
		done <- broadcastResult{receipt: receipt, err: err}
	}()
	return done
}

func TestBroadcastStopsAtFirstReceipt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}
	chain := &fakeChain{polls: []*types.Receipt{nil, nil, want, want}}
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := NewBroadcaster(chain, chain, WithClock(clock), WithAuditSink(sink))

	tx := signFor(t, chain, audit.KindSwap)
	done := startBroadcast(ctx, b, tx)

	for i := 0; i < 2; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for poll timer: %v", err)
		}
		clock.Advance(DefaultPollInterval)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("broadcast: %v", res.err)
	}
	if res.receipt != want {
		t.Fatalf("unexpected receipt %+v", res.receipt)
	}
	if chain.pollCount() != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", chain.pollCount())
	}
	if len(chain.sent) != 1 {
		t.Fatalf("expected a single submission, got %d", len(chain.sent))
	}
	if len(sink.records) != 1 || sink.records[0].Kind != audit.KindSwap || sink.records[0].Hash != tx.Hash.Hex() {
		t.Fatalf("unexpected audit records %+v", sink.records)
	}
}

func TestBroadcastRetriesTransientReceiptErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	chain := &fakeChain{
		polls:    []*types.Receipt{nil, want},
		pollErrs: []error{errRPC},
	}
	clock := clockwork.NewFakeClock()
	b := NewBroadcaster(chain, chain, WithClock(clock), WithPollInterval(time.Second))

	done := startBroadcast(ctx, b, signFor(t, chain, audit.KindClaim))
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll timer: %v", err)
	}
	clock.Advance(time.Second)

	res := <-done
	if res.err != nil || res.receipt != want {
		t.Fatalf("unexpected result %+v", res)
	}
	if chain.pollCount() != 2 {
		t.Fatalf("expected 2 polls, got %d", chain.pollCount())
	}
}

func TestBroadcastInterruptedBetweenPolls(t *testing.T) {
	timeout, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	ctx, cancel := context.WithCancel(timeout)

	chain := &fakeChain{}
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := NewBroadcaster(chain, chain, WithClock(clock), WithAuditSink(sink))

	done := startBroadcast(ctx, b, signFor(t, chain, audit.KindDeposit))
	if err := clock.BlockUntilContext(timeout, 1); err != nil {
		t.Fatalf("waiting for poll timer: %v", err)
	}
	cancel()

	res := <-done
	if xerrors.CodeOf(res.err) != xerrors.CodeInterrupted {
		t.Fatalf("expected PIPELINE_INTERRUPTED, got %v", res.err)
	}
	if chain.pollCount() != 1 {
		t.Fatalf("expected a single poll before shutdown, got %d", chain.pollCount())
	}
	if len(sink.records) != 0 {
		t.Fatal("unconfirmed transactions must not be audited")
	}
}

func TestBroadcastRejectedSubmission(t *testing.T) {
	chain := &fakeChain{sendErr: errRPC}
	sink := &recordingSink{}
	b := NewBroadcaster(chain, chain, WithClock(clockwork.NewFakeClock()), WithAuditSink(sink))

	_, err := b.Broadcast(context.Background(), signFor(t, chain, audit.KindApproval))
	if !xerrors.HasCode(err, xerrors.CodeSubmissionRejected) {
		t.Fatalf("expected SUBMISSION_REJECTED, got %v", err)
	}
	if chain.pollCount() != 0 || len(sink.records) != 0 {
		t.Fatal("rejected submissions must not poll or audit")
	}
}

func TestBroadcastOnlyOnce(t *testing.T) {
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	chain := &fakeChain{polls: []*types.Receipt{want}}
	b := NewBroadcaster(chain, chain, WithClock(clockwork.NewFakeClock()))

	tx := signFor(t, chain, audit.KindClaim)
	if _, err := b.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("first broadcast: %v", err)
	}
	if !tx.Broadcast() {
		t.Fatal("transaction should be marked as broadcast")
	}
	if _, err := b.Broadcast(context.Background(), tx); xerrors.CodeOf(err) != xerrors.CodeAlreadyBroadcast {
		t.Fatalf("expected ALREADY_BROADCAST, got %v", err)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("expected one submission, got %d", len(chain.sent))
	}
}

func TestBroadcastSurvivesAuditFailure(t *testing.T) {
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	chain := &fakeChain{polls: []*types.Receipt{want}}
	sink := &recordingSink{err: errRPC}
	b := NewBroadcaster(chain, chain, WithClock(clockwork.NewFakeClock()), WithAuditSink(sink))

	ctx := audit.WithRunID(context.Background(), "run-42")
	receipt, err := b.Broadcast(ctx, signFor(t, chain, audit.KindDeposit))
	if err != nil || receipt != want {
		t.Fatalf("audit failures must not abort: %v", err)
	}
	if len(sink.records) != 1 || sink.records[0].RunID != "run-42" {
		t.Fatalf("unexpected records %+v", sink.records)
	}
}
