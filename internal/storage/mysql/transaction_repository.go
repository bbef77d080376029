package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransactionRecord 表示一笔已确认的流水线交易。
type TransactionRecord struct {
	ID          int64
	RunID       string
	Kind        string
	Hash        string
	ConfirmedAt int64
	CreatedAt   int64
}

// TransactionRepository 使用 MySQL 存储已确认交易，只追加不修改。
type TransactionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTransactionRepository 创建连接池并执行嵌入的迁移。
func NewTransactionRepository(ctx context.Context, cfg Config) (*TransactionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &TransactionRepository{db: db, now: time.Now}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

const insertTransactionSQL = `INSERT INTO transactions
    (run_id, kind, tx_hash, confirmed_at, created_at)
    VALUES (?, ?, ?, ?, ?)`

const listTransactionsSQL = `SELECT id, run_id, kind, tx_hash, confirmed_at, created_at
    FROM transactions ORDER BY confirmed_at DESC, id DESC LIMIT ?`

// Insert 写入一条交易记录。重复的交易哈希视为已写入。
func (r *TransactionRepository) Insert(ctx context.Context, record *TransactionRecord) error {
	if record == nil {
		return fmt.Errorf("交易记录不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = r.clock().Unix()
	}
	result, err := r.db.ExecContext(ctx, insertTransactionSQL,
		record.RunID,
		record.Kind,
		record.Hash,
		record.ConfirmedAt,
		record.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 返回最近确认的交易，按确认时间倒序。
func (r *TransactionRepository) ListLatest(ctx context.Context, limit int) ([]TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, listTransactionsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("查询交易记录失败: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Kind, &rec.Hash, &rec.ConfirmedAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析交易记录失败: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭连接池。
func (r *TransactionRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *TransactionRepository) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}
