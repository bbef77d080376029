// Package audit records confirmed pipeline transactions. Sinks are append
// only; a failing sink never aborts the pipeline, callers log and move on.
package audit

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a confirmed transaction.
type Kind string

const (
	KindClaim    Kind = "CLAIM"
	KindApproval Kind = "ERC20_APPROVAL"
	KindSwap     Kind = "SWAP"
	KindDeposit  Kind = "DEPOSIT"
)

// Record is one confirmed operation.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"event_type"`
	Hash      string    `json:"tx_hash"`
	RunID     string    `json:"run_id,omitempty"`
}

// Sink appends records to durable storage.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

// Fanout appends every record to all sinks and joins their errors.
type Fanout []Sink

// Append implements Sink.
func (f Fanout) Append(ctx context.Context, record Record) error {
	var err error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		err = errors.Join(err, sink.Append(ctx, record))
	}
	return err
}

type runIDKey struct{}

// WithRunID tags ctx with the identifier of the current pipeline run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run identifier stored in ctx, if any.
func RunIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Select returns the sink to install for the given toggle: nil when auditing
// is off or no sink is configured, the single sink, or a Fanout.
func Select(enabled bool, sinks ...Sink) Sink {
	if !enabled {
		return nil
	}
	var active Fanout
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	default:
		return active
	}
}
