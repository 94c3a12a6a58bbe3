package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/txtrack"
)

const txColumns = `id, kind, account, referrer, value, hash, status, attempts, max_polls,
        block_number, gas_used, last_error, error_code, created_at, updated_at`

// TxStore 使用 MySQL 记录被跟踪的合约交易。
type TxStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTxStore 建立连接池并执行内嵌迁移。
func NewTxStore(ctx context.Context, cfg Config) (*TxStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易存储失败")
	}
	store := newTxStoreWithDB(db)
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

func newTxStoreWithDB(db *sql.DB) *TxStore {
	return &TxStore{db: db, now: time.Now}
}

// Create 插入新的交易记录。
func (s *TxStore) Create(ctx context.Context, tx *txtrack.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	now := s.now().UnixMilli()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	const stmt = `INSERT INTO tracked_transactions
        (id, kind, account, referrer, value, hash, status, attempts, max_polls, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		string(tx.Kind),
		tx.Account,
		tx.Referrer,
		tx.Value,
		tx.Hash,
		string(tx.Status),
		tx.Attempts,
		tx.MaxPolls,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return txtrack.ErrTxConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *TxStore) Get(ctx context.Context, id string) (*txtrack.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM tracked_transactions WHERE id = ?`, id)
	tx, err := scanTx(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, txtrack.ErrTxNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

// MarkSubmitted 记录交易哈希，仅允许从 pending 迁移。
func (s *TxStore) MarkSubmitted(ctx context.Context, id, hash string) error {
	const stmt = `UPDATE tracked_transactions SET status = ?, hash = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(txtrack.StatusSubmitted),
		hash,
		s.now().UnixMilli(),
		id,
		string(txtrack.StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录交易哈希失败")
	}
	if affected(res) > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return txtrack.ErrTxConflict
}

// Claim 为一次回执轮询计数。
func (s *TxStore) Claim(ctx context.Context, id string) (*txtrack.Transaction, error) {
	const stmt = `UPDATE tracked_transactions SET attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND (max_polls = 0 OR attempts < max_polls)`

	res, err := s.db.ExecContext(ctx, stmt,
		s.now().UnixMilli(),
		id,
		string(txtrack.StatusSubmitted),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新轮询次数失败")
	}
	claimed := affected(res) > 0

	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claimed {
		return tx, nil
	}
	switch {
	case tx.Status.Settled():
		return tx, txtrack.ErrTxSettled
	case tx.Status == txtrack.StatusPending:
		return tx, txtrack.ErrTxConflict
	case tx.MaxPolls > 0 && tx.Attempts >= tx.MaxPolls:
		return tx, txtrack.ErrTxExhausted
	default:
		return tx, txtrack.ErrTxConflict
	}
}

// MarkConfirmed 记录成功回执。
func (s *TxStore) MarkConfirmed(ctx context.Context, id string, receipt txtrack.Receipt) error {
	const stmt = `UPDATE tracked_transactions SET status = ?, block_number = ?, gas_used = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(txtrack.StatusConfirmed),
		receipt.BlockNumber,
		receipt.GasUsed,
		s.now().UnixMilli(),
		id,
		string(txtrack.StatusPending),
		string(txtrack.StatusSubmitted),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易确认失败")
	}
	return s.settledMiss(ctx, id, res)
}

// MarkFailed 标记交易失败。
func (s *TxStore) MarkFailed(ctx context.Context, id string, code string, lastError string) error {
	const stmt = `UPDATE tracked_transactions SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(txtrack.StatusFailed),
		code,
		lastError,
		s.now().UnixMilli(),
		id,
		string(txtrack.StatusPending),
		string(txtrack.StatusSubmitted),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易失败状态出错")
	}
	return s.settledMiss(ctx, id, res)
}

// settledMiss 区分记录不存在与已结束两种未命中。
func (s *TxStore) settledMiss(ctx context.Context, id string, res sql.Result) error {
	if affected(res) > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return txtrack.ErrTxSettled
}

// List 返回符合条件的交易。
func (s *TxStore) List(ctx context.Context, opts txtrack.ListOptions) ([]*txtrack.Transaction, error) {
	opts = opts.Normalized()

	query := `SELECT ` + txColumns + ` FROM tracked_transactions`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == txtrack.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	txs := make([]*txtrack.Transaction, 0, opts.Limit)
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return txs, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *TxStore) Stats(ctx context.Context, opts txtrack.ListOptions) (txtrack.Stats, error) {
	opts = opts.Normalized()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS submitted,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS confirmed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tracked_transactions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(txtrack.StatusPending),
		string(txtrack.StatusSubmitted),
		string(txtrack.StatusConfirmed),
		string(txtrack.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats txtrack.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Submitted,
		&stats.Confirmed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return txtrack.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *TxStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*txtrack.Transaction, error) {
	var (
		tx        txtrack.Transaction
		kind      string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(
		&tx.ID,
		&kind,
		&tx.Account,
		&tx.Referrer,
		&tx.Value,
		&tx.Hash,
		&status,
		&tx.Attempts,
		&tx.MaxPolls,
		&tx.BlockNumber,
		&tx.GasUsed,
		&lastError,
		&tx.ErrorCode,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.Kind = txtrack.Kind(kind)
	tx.Status = txtrack.Status(status)
	tx.LastError = lastError.String
	return &tx, nil
}

func buildFilterClause(opts txtrack.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(opts.Kinds))))
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	if opts.Account != "" {
		conditions = append(conditions, "account = ?")
		args = append(args, opts.Account)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

var _ txtrack.Store = (*TxStore)(nil)
