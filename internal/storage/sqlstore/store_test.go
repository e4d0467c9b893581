package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sseaky/seakylib/internal/reconcile"
	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// 每個連線都是獨立的 :memory: 資料庫
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE devices (
			id INTEGER PRIMARY KEY,
			name TEXT,
			status TEXT,
			status_prior TEXT,
			missing INTEGER DEFAULT 0,
			time_insert TEXT,
			time_update TEXT
		)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO devices (id, name, status) VALUES
		(1, 'sw1', 'up'),
		(2, 'sw2', 'up'),
		(3, 'sw3', 'down')`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func fetch(t *testing.T, s *Store) map[string]reconcile.Row {
	t.Helper()
	rows, err := s.Query(context.Background(), "id")
	require.NoError(t, err)
	return rows
}

// ============================================================================
// Store Tests
// ============================================================================

func TestStore_Columns(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})

	cols, err := s.Columns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "status", "status_prior", "missing", "time_insert", "time_update"}, cols)

	_, err = New(s.db, "nope", Options{}).Columns(context.Background())
	assert.Error(t, err)
}

func TestStore_Query(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})

	rows := fetch(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows["1"]["id"])
	assert.Equal(t, "sw1", rows["1"]["name"])
	assert.Nil(t, rows["1"]["status_prior"])

	byName, err := s.Query(context.Background(), "name")
	require.NoError(t, err)
	assert.Contains(t, byName, "sw3")

	_, err = s.Query(context.Background(), "serial")
	assert.ErrorIs(t, err, reconcile.ErrMissingKey)
}

func TestStore_InsertBatch(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})
	ctx := context.Background()

	err := s.InsertBatch(ctx, []reconcile.Row{
		{"id": 4, "name": "sw4", "status": "up", "vendor": "ignored"},
		{"id": 5, "name": "sw5"},
	})
	require.NoError(t, err)

	rows := fetch(t, s)
	require.Len(t, rows, 5)
	assert.Equal(t, "up", rows["4"]["status"])
	assert.Nil(t, rows["5"]["status"])
	assert.NotContains(t, rows["4"], "vendor")
	assert.Nil(t, rows["4"]["time_insert"])

	err = s.InsertBatch(ctx, []reconcile.Row{{"id": 1, "name": "dup"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert")
	assert.Equal(t, "sw1", fetch(t, s)["1"]["name"])
}

func TestStore_UpdateBatch(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})

	err := s.UpdateBatch(context.Background(), "id", []string{"status", "status_prior"}, []reconcile.Row{
		{"id": 1, "status": "down", "status_prior": "up"},
		{"id": 3, "status": "up", "status_prior": "down"},
	})
	require.NoError(t, err)

	rows := fetch(t, s)
	assert.Equal(t, "down", rows["1"]["status"])
	assert.Equal(t, "up", rows["1"]["status_prior"])
	assert.Equal(t, "up", rows["3"]["status"])
	assert.Equal(t, "down", rows["3"]["status_prior"])
	// 不在批次中的列不受影響
	assert.Equal(t, "up", rows["2"]["status"])
	assert.Nil(t, rows["2"]["status_prior"])
}

func TestStore_DeleteAndMark(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})
	ctx := context.Background()

	require.NoError(t, s.MarkBatch(ctx, "id", []any{2}, "missing"))
	rows := fetch(t, s)
	assert.Equal(t, int64(1), rows["2"]["missing"])
	assert.Equal(t, int64(0), rows["1"]["missing"])

	require.NoError(t, s.DeleteBatch(ctx, "id", []any{1, 3}))
	rows = fetch(t, s)
	assert.Len(t, rows, 1)
	assert.Contains(t, rows, "2")

	assert.NoError(t, s.DeleteBatch(ctx, "id", nil))
}

func TestStore_Timed(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{Timed: true, Now: fixedNow})
	ctx := context.Background()
	now := fixedNow().Format(TimeLayout)

	require.NoError(t, s.InsertBatch(ctx, []reconcile.Row{{"id": 9, "name": "sw9"}}))
	require.NoError(t, s.UpdateBatch(ctx, "id", []string{"status"}, []reconcile.Row{{"id": 1, "status": "down"}}))

	rows := fetch(t, s)
	assert.Equal(t, now, rows["9"]["time_insert"])
	assert.Equal(t, now, rows["9"]["time_update"])
	assert.Equal(t, now, rows["1"]["time_update"])
	assert.Nil(t, rows["1"]["time_insert"])
	assert.Nil(t, rows["2"]["time_update"])
}

// ============================================================================
// Reconciler Integration Tests
// ============================================================================

func TestStore_Reconcile(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})
	r := reconcile.New(nil, s)

	newRows := []reconcile.Row{
		{"id": 1, "name": "sw1", "status": "up"},
		{"id": "2", "name": "sw2", "status": "down"},
		{"id": 4, "name": "sw4", "status": "up"},
	}
	stats, err := r.Reconcile(context.Background(), newRows,
		reconcile.DiffOptions{Key: "id", FuzzyNumeric: true, PreservePrior: []string{"status"}},
		reconcile.ApplyOptions{AllowInsert: true, Missing: reconcile.MissingMark, MarkColumn: "missing"},
	)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Input)
	assert.Equal(t, 2, stats.Existing)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, stats.Changed)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.DeletedOrMarked)
	assert.Equal(t, 3, stats.Statements)

	rows := fetch(t, s)
	require.Len(t, rows, 4)
	assert.Equal(t, "down", rows["2"]["status"])
	assert.Equal(t, "up", rows["2"]["status_prior"])
	assert.Equal(t, int64(1), rows["3"]["missing"])
	assert.Equal(t, "sw4", rows["4"]["name"])

	// 再跑一次不應有任何變更
	stats, err = r.Reconcile(context.Background(), newRows,
		reconcile.DiffOptions{Key: "id", FuzzyNumeric: true, PreservePrior: []string{"status"}},
		reconcile.ApplyOptions{AllowInsert: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Unchanged)
	assert.Zero(t, stats.Statements)
}

func TestStore_ReconcileDryRun(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{})
	before := fetch(t, s)

	stats, err := reconcile.New(nil, s).Reconcile(context.Background(),
		[]reconcile.Row{{"id": 1, "status": "down"}, {"id": 7, "name": "sw7"}},
		reconcile.DiffOptions{Key: "id"},
		reconcile.ApplyOptions{AllowInsert: true, Missing: reconcile.MissingDelete, DryRun: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Changed)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, stats.DeletedOrMarked)
	assert.Equal(t, before, fetch(t, s))
}

func TestStore_ReconcileStorageError(t *testing.T) {
	db := setupTestDB(t)
	s := New(db, "devices", Options{})

	_, err := db.Exec(`CREATE TRIGGER no_delete BEFORE DELETE ON devices BEGIN SELECT RAISE(ABORT, 'read only'); END`)
	require.NoError(t, err)

	_, err = reconcile.New(nil, s).Reconcile(context.Background(),
		[]reconcile.Row{{"id": 1, "name": "sw1", "status": "up"}, {"id": 8, "name": "sw8"}},
		reconcile.DiffOptions{Key: "id"},
		reconcile.ApplyOptions{AllowInsert: true, Missing: reconcile.MissingDelete},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, reconcile.ErrStorage))

	// insert 已提交，delete 失敗
	rows := fetch(t, s)
	assert.Contains(t, rows, "8")
	assert.Contains(t, rows, "2")
}

// ============================================================================
// Parameter Limit Tests
// ============================================================================

// setupWideTable 建立 id 加上 width 個整數欄位的表
func setupWideTable(t *testing.T, width int) (*sql.DB, []string) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})

	cols := make([]string, width)
	defs := []string{"id INTEGER PRIMARY KEY"}
	for i := range cols {
		cols[i] = fmt.Sprintf("c%02d", i)
		defs = append(defs, cols[i]+" INTEGER")
	}
	_, err = db.Exec(fmt.Sprintf("CREATE TABLE wide (%s)", strings.Join(defs, ", ")))
	require.NoError(t, err)
	return db, cols
}

func wideRows(n int, cols []string, base int) []reconcile.Row {
	rows := make([]reconcile.Row, n)
	for i := range rows {
		row := reconcile.Row{"id": i + 1}
		for j, col := range cols {
			row[col] = base + i*len(cols) + j
		}
		rows[i] = row
	}
	return rows
}

func TestStore_ReconcileWideTable(t *testing.T) {
	db, cols := setupWideTable(t, 20)
	r := reconcile.New(nil, New(db, "wide", Options{}))
	ctx := context.Background()
	diff := reconcile.DiffOptions{Key: "id"}

	// 1000 列 x 20 欄的 UPDATE 需要約 39000 個參數，超過單一語句上限
	stats, err := r.Reconcile(ctx, wideRows(1000, cols, 0), diff, reconcile.ApplyOptions{AllowInsert: true})
	require.NoError(t, err)
	assert.Equal(t, 1000, stats.Inserted)

	stats, err = r.Reconcile(ctx, wideRows(1000, cols, 1_000_000), diff, reconcile.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1000, stats.Changed)
	assert.Equal(t, 1, stats.Statements)

	var first, last int
	require.NoError(t, db.QueryRow(`SELECT c00 FROM wide WHERE id = 1`).Scan(&first))
	require.NoError(t, db.QueryRow(`SELECT c19 FROM wide WHERE id = 1000`).Scan(&last))
	assert.Equal(t, 1_000_000, first)
	assert.Equal(t, 1_000_000+999*20+19, last)

	var stale int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM wide WHERE c05 < 1000000`).Scan(&stale))
	assert.Zero(t, stale)
}

func TestStore_SplitStatements(t *testing.T) {
	ctx := context.Background()
	s := New(setupTestDB(t), "devices", Options{MaxParams: 3})

	// 每個語句只容得下一列
	err := s.InsertBatch(ctx, []reconcile.Row{
		{"id": 4, "name": "sw4"},
		{"id": 5, "name": "sw5"},
		{"id": 6, "name": "sw6"},
	})
	require.NoError(t, err)

	err = s.UpdateBatch(ctx, "id", []string{"id", "status"}, []reconcile.Row{
		{"id": 1, "status": "down"},
		{"id": 4, "status": "up"},
		{"id": 5, "status": "down"},
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkBatch(ctx, "id", []any{1, 2, 3, 4}, "missing"))
	require.NoError(t, s.DeleteBatch(ctx, "id", []any{2, 3, 6, 99}))

	rows := fetch(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, "down", rows["1"]["status"])
	assert.Equal(t, "up", rows["4"]["status"])
	assert.Equal(t, "down", rows["5"]["status"])
	assert.Equal(t, int64(1), rows["4"]["missing"])
	assert.Equal(t, int64(0), rows["5"]["missing"])
}

func TestStore_SplitStatementsAtomic(t *testing.T) {
	s := New(setupTestDB(t), "devices", Options{MaxParams: 1})

	// 第二個語句失敗時，第一個語句也要回滾
	err := s.InsertBatch(context.Background(), []reconcile.Row{
		{"id": 9, "name": "sw9"},
		{"id": 1, "name": "dup"},
	})
	require.Error(t, err)

	rows := fetch(t, s)
	assert.Len(t, rows, 3)
	assert.NotContains(t, rows, "9")
	assert.Equal(t, "sw1", rows["1"]["name"])
}

// ============================================================================
// SessionFactory Tests
// ============================================================================

func TestSessionFactory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "session.db")
	factory := SessionFactory("sqlite3", dsn)

	res, cleanup, err := factory(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	db, ok := res[SessionKey].(*sql.DB)
	require.True(t, ok)
	_, err = db.Exec("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)

	cleanup()
	assert.Error(t, db.Ping())
}

func TestSessionFactory_BadDriver(t *testing.T) {
	_, _, err := SessionFactory("nosuchdriver", "x")(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 2")
}

func TestSessionFactory_Args(t *testing.T) {
	res, cleanup, err := SessionFactory("sqlite3", ":memory:")(context.Background(), 0)
	require.NoError(t, err)
	defer cleanup()

	merged := types.Args{"host": "a"}.Merge(res)
	assert.Contains(t, merged, SessionKey)
	assert.Equal(t, "a", merged["host"])
}
