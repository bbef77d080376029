package audit

import (
	"context"
	"time"

	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/storage/mysql"
)

// TransactionStore is the subset of the MySQL repository used by MySQLSink.
type TransactionStore interface {
	Insert(ctx context.Context, record *mysql.TransactionRecord) error
	ListLatest(ctx context.Context, limit int) ([]mysql.TransactionRecord, error)
}

// MySQLSink stores records in the transactions table.
type MySQLSink struct {
	store TransactionStore
}

// NewMySQLSink wraps a transaction store.
func NewMySQLSink(store TransactionStore) *MySQLSink {
	return &MySQLSink{store: store}
}

// Append implements Sink.
func (s *MySQLSink) Append(ctx context.Context, record Record) error {
	err := s.store.Insert(ctx, &mysql.TransactionRecord{
		RunID:       record.RunID,
		Kind:        string(record.Kind),
		Hash:        record.Hash,
		ConfirmedAt: record.Timestamp.Unix(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败",
			xerrors.WithMetadata("tx_hash", record.Hash))
	}
	return nil
}

// Latest returns the most recent records, newest first.
func (s *MySQLSink) Latest(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.store.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Timestamp: unixTime(row.ConfirmedAt),
			Kind:      Kind(row.Kind),
			Hash:      row.Hash,
			RunID:     row.RunID,
		})
	}
	return records, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
