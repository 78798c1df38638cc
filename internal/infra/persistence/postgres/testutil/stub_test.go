package testutil

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
)

func named(values ...any) []driver.NamedValue {
	out := make([]driver.NamedValue, len(values))
	for i, v := range values {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := conn.ExecContext(ctx, "INSERT INTO objects (class, id, version) VALUES ($1,$2,$3)", named("Order", id, int64(1))); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	rows, err := conn.QueryContext(ctx, "SELECT id, version FROM objects WHERE class = $1 AND id IN ($2,$3)", named("Order", "b", "zzz"))
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "b" || dest[1] != int64(1) {
		t.Fatalf("unexpected row values: %v", dest)
	}
	if err := rows.Next(dest); err != io.EOF {
		t.Fatalf("expected a single row, got %v", err)
	}
}

func TestStubDBConditionalStatements(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	insert := "INSERT INTO objects (class, id, version) VALUES ($1,$2,$3) ON CONFLICT (class, id) DO NOTHING"
	if res, _ := conn.ExecContext(ctx, insert, named("Order", "a", int64(1))); affected(t, res) != 1 {
		t.Fatalf("expected first insert to apply")
	}
	if res, _ := conn.ExecContext(ctx, insert, named("Order", "a", int64(1))); affected(t, res) != 0 {
		t.Fatalf("expected conflicting insert to be skipped")
	}
	update := "UPDATE objects SET version = $1 WHERE class = $2 AND id = $3 AND version = $4"
	if res, _ := conn.ExecContext(ctx, update, named(int64(2), "Order", "a", int64(9))); affected(t, res) != 0 {
		t.Fatalf("expected stale update to miss")
	}
	if res, _ := conn.ExecContext(ctx, update, named(int64(2), "Order", "a", int64(1))); affected(t, res) != 1 {
		t.Fatalf("expected update to apply")
	}
	if res, _ := conn.ExecContext(ctx, "DELETE FROM objects WHERE class = ? AND id = ?", named("Order", "a")); affected(t, res) != 1 {
		t.Fatalf("expected delete to apply")
	}
	if len(conn.Rows("objects")) != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestStubDBRollbackRestoresTables(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO objects (id) VALUES ($1)", "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(conn.Rows("objects")) != 0 {
		t.Fatalf("rollback must discard inserted rows")
	}
}

func affected(t *testing.T, res driver.Result) int64 {
	t.Helper()
	if res == nil {
		t.Fatalf("nil result")
	}
	n, err := res.RowsAffected()
	if err != nil {
		t.Fatalf("rows affected: %v", err)
	}
	return n
}
