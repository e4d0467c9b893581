// Package sqlstore implements the reconcile gateway on top of database/sql.
// Every batch operation runs in its own transaction and is split into as many
// statements as the bound-parameter limit requires. Values are always bound
// as placeholders and identifiers are double-quoted.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/samber/lo"

	"github.com/sseaky/seakylib/internal/reconcile"
	"github.com/sseaky/seakylib/internal/worker"
	"github.com/sseaky/seakylib/pkg/types"
)

// 自動填寫時間的欄位
const (
	ColumnTimeInsert = "time_insert"
	ColumnTimeUpdate = "time_update"

	// TimeLayout 寫入時間欄位使用的格式
	TimeLayout = "2006-01-02 15:04:05"

	// SessionKey 是 SessionFactory 注入任務參數時使用的名稱
	SessionKey = "db"

	// DefaultMaxParams 是 SQLite 單一語句可綁定的參數上限
	DefaultMaxParams = 32766
)

// Options configures a Store.
type Options struct {
	// Timed fills time_insert / time_update when the table has them.
	Timed bool
	// Now overrides the clock used by Timed.
	Now func() time.Time
	// MaxParams caps the bound parameters of one statement; a batch that
	// needs more is split into several statements in the same transaction.
	// Defaults to DefaultMaxParams.
	MaxParams int
}

// Store is a reconcile.Gateway for one table.
type Store struct {
	db    *sql.DB
	table string
	opts  Options
}

var _ reconcile.Gateway = (*Store)(nil)

// New creates a Store for table.
func New(db *sql.DB, table string, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxParams <= 0 {
		opts.MaxParams = DefaultMaxParams
	}
	return &Store{db: db, table: table, opts: opts}
}

// Open opens a database handle and verifies the connection.
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return db, nil
}

// SessionFactory returns a worker.ResourceFactory that opens one database
// handle per worker and injects it into every task under SessionKey.
func SessionFactory(driver, dsn string) worker.ResourceFactory {
	return func(ctx context.Context, workerID int) (types.Args, func(), error) {
		db, err := Open(driver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("worker %d: %w", workerID, err)
		}
		return types.Args{SessionKey: db}, func() { db.Close() }, nil
	}
}

// Columns returns the table's column names.
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quote(s.table)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", s.table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", s.table, err)
	}
	return cols, nil
}

// Query returns every row of the table keyed by reconcile.KeyString(row[key]).
func (s *Store) Query(ctx context.Context, key string) (map[string]reconcile.Row, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quote(s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	if !slices.Contains(cols, key) {
		return nil, fmt.Errorf("%w: %q is not a column of %s", reconcile.ErrMissingKey, key, s.table)
	}

	result := make(map[string]reconcile.Row)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.table, err)
		}

		row := make(reconcile.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result[reconcile.KeyString(row[key])] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", s.table, err)
	}
	return result, nil
}

// InsertBatch inserts rows with multi-row INSERTs. Only columns present in
// the table are written; a column missing from some rows is written as NULL.
func (s *Store) InsertBatch(ctx context.Context, rows []reconcile.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := s.Columns(ctx)
	if err != nil {
		return err
	}

	if s.opts.Timed {
		now := s.opts.Now().Format(TimeLayout)
		stamped := make([]reconcile.Row, len(rows))
		for i, row := range rows {
			stamped[i] = row.Clone()
			for _, col := range []string{ColumnTimeInsert, ColumnTimeUpdate} {
				if _, ok := stamped[i][col]; !ok && slices.Contains(schema, col) {
					stamped[i][col] = now
				}
			}
		}
		rows = stamped
	}

	var cols []string
	for _, col := range schema {
		for _, row := range rows {
			if _, ok := row[col]; ok {
				cols = append(cols, col)
				break
			}
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("no column of %s in rows", s.table)
	}

	placeholder := "(" + placeholders(len(cols)) + ")"
	var stmts []statement
	for _, chunk := range lo.Chunk(rows, s.rowsPerStatement(len(cols), 0)) {
		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			values[i] = placeholder
			for _, col := range cols {
				args = append(args, row[col])
			}
		}
		stmts = append(stmts, statement{
			query: fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
				quote(s.table), quoteAll(cols), strings.Join(values, ", ")),
			args: args,
		})
	}
	return s.exec(ctx, "insert", stmts...)
}

// UpdateBatch writes every changed column of every row, one statement per
// parameter budget:
//
//	UPDATE t SET c = CASE k WHEN ? THEN ? ... ELSE c END, ... WHERE k IN (...)
func (s *Store) UpdateBatch(ctx context.Context, key string, columns []string, rows []reconcile.Row) error {
	if len(rows) == 0 {
		return nil
	}

	cols := lo.Without(columns, key)
	if len(cols) == 0 {
		return nil
	}

	stampUpdate := false
	if s.opts.Timed {
		schema, err := s.Columns(ctx)
		if err != nil {
			return err
		}
		stampUpdate = slices.Contains(schema, ColumnTimeUpdate) && !slices.Contains(cols, ColumnTimeUpdate)
	}

	// 每列佔用 2·len(cols) 個 CASE 參數加上一個 IN 參數
	fixed := 0
	if stampUpdate {
		fixed = 1
	}
	var stmts []statement
	for _, chunk := range lo.Chunk(rows, s.rowsPerStatement(2*len(cols)+1, fixed)) {
		sets := make([]string, 0, len(cols)+1)
		var args []any
		for _, col := range cols {
			var b strings.Builder
			fmt.Fprintf(&b, "%s = CASE %s", quote(col), quote(key))
			for _, row := range chunk {
				b.WriteString(" WHEN ? THEN ?")
				args = append(args, row[key], row[col])
			}
			fmt.Fprintf(&b, " ELSE %s END", quote(col))
			sets = append(sets, b.String())
		}
		if stampUpdate {
			sets = append(sets, quote(ColumnTimeUpdate)+" = ?")
			args = append(args, s.opts.Now().Format(TimeLayout))
		}

		in, inArgs := inClause(key, chunk)
		stmts = append(stmts, statement{
			query: fmt.Sprintf("UPDATE %s SET %s WHERE %s", quote(s.table), strings.Join(sets, ", "), in),
			args:  append(args, inArgs...),
		})
	}
	return s.exec(ctx, "update", stmts...)
}

// DeleteBatch deletes the rows whose key is in keys.
func (s *Store) DeleteBatch(ctx context.Context, key string, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	var stmts []statement
	for _, chunk := range lo.Chunk(keys, s.rowsPerStatement(1, 0)) {
		stmts = append(stmts, statement{
			query: fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quote(s.table), quote(key), placeholders(len(chunk))),
			args:  chunk,
		})
	}
	return s.exec(ctx, "delete", stmts...)
}

// MarkBatch sets marker = 1 on the rows whose key is in keys.
func (s *Store) MarkBatch(ctx context.Context, key string, keys []any, marker string) error {
	if len(keys) == 0 {
		return nil
	}
	var stmts []statement
	for _, chunk := range lo.Chunk(keys, s.rowsPerStatement(1, 0)) {
		stmts = append(stmts, statement{
			query: fmt.Sprintf("UPDATE %s SET %s = 1 WHERE %s IN (%s)",
				quote(s.table), quote(marker), quote(key), placeholders(len(chunk))),
			args: chunk,
		})
	}
	return s.exec(ctx, "mark", stmts...)
}

type statement struct {
	query string
	args  []any
}

// rowsPerStatement 回傳一個語句最多容納的列數，至少為 1
func (s *Store) rowsPerStatement(perRow, fixed int) int {
	return max(1, (s.opts.MaxParams-fixed)/max(1, perRow))
}

// exec runs the statements of one batch in a single transaction.
func (s *Store) exec(ctx context.Context, op string, stmts ...statement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s on %s: %w", op, s.table, err)
	}
	defer tx.Rollback()

	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("failed to %s %s: %w", op, s.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s on %s: %w", op, s.table, err)
	}
	return nil
}

func inClause(key string, rows []reconcile.Row) (string, []any) {
	args := make([]any, len(rows))
	for i, row := range rows {
		args[i] = row[key]
	}
	return fmt.Sprintf("%s IN (%s)", quote(key), placeholders(len(rows))), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = quote(ident)
	}
	return strings.Join(quoted, ", ")
}
