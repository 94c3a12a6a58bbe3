package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"

	mysqldriver "github.com/go-sql-driver/mysql"

	"referral-dapp/internal/txtrack"
)

var txColumnNames = []string{"id", "kind", "account", "referrer", "value", "hash", "status", "attempts", "max_polls",
	"block_number", "gas_used", "last_error", "error_code", "created_at", "updated_at"}

func txRow(id string, status txtrack.Status, attempts, maxPolls int64) []driver.Value {
	return []driver.Value{id, "signUp", "0xaa", "0xbb", "1000", "0xhash", string(status), attempts, maxPolls,
		int64(0), int64(0), nil, "", int64(1), int64(2)}
}

func selectByID() string {
	return `SELECT ` + txColumns + ` FROM tracked_transactions WHERE id = ?`
}

func TestTxStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertTxSQL(), mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertTxSQL(), err: &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	tx := &txtrack.Transaction{ID: "t1", Kind: txtrack.KindSignUp, Account: "0xaa", Status: txtrack.StatusPending, Value: "1000"}
	if err := store.Create(context.Background(), tx); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tx.CreatedAt == 0 || tx.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be assigned: %+v", tx)
	}
	if err := store.Create(context.Background(), &txtrack.Transaction{ID: "t1"}); !errors.Is(err, txtrack.ErrTxConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
}

func TestTxStoreGet(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectByID(), mockRowsData{columns: txColumnNames, values: [][]driver.Value{txRow("t1", txtrack.StatusSubmitted, 2, 10)}}),
		queryOp(selectByID(), mockRowsData{columns: txColumnNames}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	tx, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if tx.Kind != txtrack.KindSignUp || tx.Status != txtrack.StatusSubmitted || tx.Attempts != 2 || tx.LastError != "" {
		t.Fatalf("unexpected record: %+v", tx)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, txtrack.ErrTxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTxStoreClaimClassifiesMisses(t *testing.T) {
	t.Parallel()

	claimSQL := `UPDATE tracked_transactions SET attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND (max_polls = 0 OR attempts < max_polls)`

	db, drv := newMockDB(t, []mockOperation{
		execOp(claimSQL, mockResult{rowsAffected: 1}),
		queryOp(selectByID(), mockRowsData{columns: txColumnNames, values: [][]driver.Value{txRow("t1", txtrack.StatusSubmitted, 1, 3)}}),
		execOp(claimSQL, mockResult{}),
		queryOp(selectByID(), mockRowsData{columns: txColumnNames, values: [][]driver.Value{txRow("t1", txtrack.StatusSubmitted, 3, 3)}}),
		execOp(claimSQL, mockResult{}),
		queryOp(selectByID(), mockRowsData{columns: txColumnNames, values: [][]driver.Value{txRow("t1", txtrack.StatusConfirmed, 2, 3)}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	ctx := context.Background()
	tx, err := store.Claim(ctx, "t1")
	if err != nil || tx.Attempts != 1 {
		t.Fatalf("claim = %+v, %v", tx, err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, txtrack.ErrTxExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, txtrack.ErrTxSettled) {
		t.Fatalf("expected settled, got %v", err)
	}
}

func TestTxStoreMarkConfirmedOnSettledRecord(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(`UPDATE tracked_transactions SET status = ?, block_number = ?, gas_used = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?)`, mockResult{}),
		queryOp(selectByID(), mockRowsData{columns: txColumnNames, values: [][]driver.Value{txRow("t1", txtrack.StatusFailed, 1, 3)}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	err := store.MarkConfirmed(context.Background(), "t1", txtrack.Receipt{BlockNumber: 9, GasUsed: 21000})
	if !errors.Is(err, txtrack.ErrTxSettled) {
		t.Fatalf("expected settled, got %v", err)
	}
}

func TestTxStoreListAppliesFilters(t *testing.T) {
	t.Parallel()

	query := `SELECT ` + txColumns + ` FROM tracked_transactions WHERE status IN (?,?) AND kind IN (?) AND account = ?
        ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`
	db, drv := newMockDB(t, []mockOperation{
		queryOp(query, mockRowsData{columns: txColumnNames, values: [][]driver.Value{
			txRow("t2", txtrack.StatusSubmitted, 1, 3),
			txRow("t1", txtrack.StatusPending, 0, 3),
		}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	opts := txtrack.BuildListOptions(
		txtrack.WithStatuses(txtrack.StatusPending, txtrack.StatusSubmitted),
		txtrack.WithKinds(txtrack.KindSignUp),
		txtrack.WithAccount("0xAA"),
	)
	list, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "t2" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestBuildFilterClause(t *testing.T) {
	clause, args := buildFilterClause(txtrack.ListOptions{})
	if clause != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", clause, args)
	}

	opts := txtrack.BuildListOptions(
		txtrack.WithKinds(txtrack.KindWithdraw),
		txtrack.WithAccount("0xAbC"),
	)
	opts.UpdatedGTE = 10
	opts.UpdatedLTE = 20
	clause, args = buildFilterClause(opts)
	if clause != "kind IN (?) AND account = ? AND updated_at >= ? AND updated_at <= ?" {
		t.Fatalf("unexpected clause: %s", clause)
	}
	want := []any{"withdraw", "0xabc", int64(10), int64(20)}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestTxStoreRunMigrations(t *testing.T) {
	t.Parallel()

	statements := readMigrationStatements(t)
	ops := []mockOperation{
		execOp(createVersionTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTxStoreWithDB(db)
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestTxStoreSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createVersionTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newTxStoreWithDB(db).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("-- index\nCREATE INDEX a ON t (b);")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE t (b INT);\nINSERT INTO t VALUES (1);")},
		"0003_empty.sql":     {Data: []byte("  ;  ")},
		"README.md":          {Data: []byte("not sql;")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[1].statements[0] != "CREATE INDEX a ON t (b)" {
		t.Fatalf("comment lines must be stripped: %q", files[1].statements[0])
	}
	if got := parseMigrationVersion("0007.sql"); got != "0007" {
		t.Fatalf("unexpected version %q", got)
	}
}

func insertTxSQL() string {
	return `INSERT INTO tracked_transactions
        (id, kind, account, referrer, value, hash, status, attempts, max_polls, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
}

func readMigrationStatements(t *testing.T) []string {
	t.Helper()
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	var statements []string
	for _, f := range files {
		statements = append(statements, f.statements...)
	}
	if len(statements) == 0 {
		t.Fatal("no statements in embedded migrations")
	}
	return statements
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-txstore-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
