package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"

	"relkeeper/internal/infra/persistence/postgres/testutil"
	"relkeeper/pkg/domain"
)

func testMapping(t *testing.T) *domain.Mapping {
	t.Helper()
	m, err := domain.NewMappingBuilder().
		Class("Customer").Property("Name", domain.TypeString).
		Class("Order").Property("Number", domain.TypeInt).
		Builder().
		OneToMany("Order", "Customer", "Customer", "Orders").
		Build()
	if err != nil {
		t.Fatalf("build mapping: %v", err)
	}
	return m
}

func stubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "", testMapping(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := stubStore(t)
	var tables, jsonb int
	for _, stmt := range conn.Execs {
		if strings.Contains(stmt, "CREATE TABLE") {
			tables++
		}
		if strings.Contains(stmt, "JSONB") {
			jsonb++
		}
	}
	if tables != 2 || jsonb != 1 {
		t.Fatalf("expected two tables with a JSONB payload, got execs: %v", conn.Execs)
	}
}

func TestNewStoreOpenError(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := NewStore(context.Background(), "", testMapping(t)); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestNewStorePingError(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "", testMapping(t)); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreDDLError(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "", testMapping(t)); err == nil || !strings.Contains(err.Error(), "execute ddl") {
		t.Fatalf("expected ddl error, got %v", err)
	}
}

func TestStoreSaveLoadAndRelated(t *testing.T) {
	store, conn := stubStore(t)
	ctx := context.Background()
	customer := domain.ObjectID{Class: "Customer", Value: "c1"}
	orders := []domain.ObjectID{{Class: "Order", Value: "o2"}, {Class: "Order", Value: "o1"}}
	batch := []domain.SaveRecord{{Action: domain.SaveInsert, ID: customer, Values: map[string]any{"Name": "Ada"}}}
	for i, id := range orders {
		batch = append(batch, domain.SaveRecord{Action: domain.SaveInsert, ID: id, Values: map[string]any{"Number": int64(i), "Customer": customer}})
	}
	if _, err := store.Save(ctx, batch); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := len(conn.Rows("relkeeper_references")); got != 2 {
		t.Fatalf("expected two reference rows, got %d", got)
	}
	res, err := store.Load(ctx, []domain.ObjectID{customer})
	if err != nil || !res[0].Found || res[0].Record.Values["Name"] != "Ada" || res[0].Record.Timestamp != 1 {
		t.Fatalf("unexpected load: %+v (%v)", res, err)
	}
	related, err := store.LoadRelated(ctx, domain.RelationQuery{Class: "Order", Property: "Customer", Target: customer})
	if err != nil {
		t.Fatalf("load related: %v", err)
	}
	if len(related) != 2 || related[0].ID.Value != "o1" || related[1].ID.Value != "o2" {
		t.Fatalf("expected related orders sorted by id, got %+v", related)
	}
	if related[1].Values["Number"] != int64(0) {
		t.Fatalf("unexpected payload: %+v", related[1].Values)
	}
}

func TestStoreSaveConflictRollsBack(t *testing.T) {
	store, conn := stubStore(t)
	ctx := context.Background()
	customer := domain.ObjectID{Class: "Customer", Value: "c1"}
	if _, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: customer, Values: map[string]any{"Name": "Ada"}}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := store.Save(ctx, []domain.SaveRecord{
		{Action: domain.SaveInsert, ID: domain.ObjectID{Class: "Customer", Value: "c2"}, Values: map[string]any{"Name": "x"}},
		{Action: domain.SaveUpdate, ID: customer, Expected: 5, Values: map[string]any{"Name": "stale"}},
	})
	if !errors.Is(err, domain.ErrConcurrencyViolation) {
		t.Fatalf("expected concurrency violation, got %v", err)
	}
	if got := len(conn.Rows("relkeeper_objects")); got != 1 {
		t.Fatalf("expected rollback to leave one object, got %d", got)
	}
}

func TestStoreSaveBeginAndCommitErrors(t *testing.T) {
	store, conn := stubStore(t)
	ctx := context.Background()
	rec := []domain.SaveRecord{{Action: domain.SaveInsert, ID: domain.ObjectID{Class: "Customer", Value: "c1"}, Values: map[string]any{"Name": "Ada"}}}
	conn.FailBegin = true
	if _, err := store.Save(ctx, rec); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin error, got %v", err)
	}
	conn.FailBegin = false
	conn.FailCommit = true
	if _, err := store.Save(ctx, rec); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
	if got := len(conn.Rows("relkeeper_objects")); got != 0 {
		t.Fatalf("failed commit must not keep rows, got %d", got)
	}
}

func TestStoreLoadQueryError(t *testing.T) {
	store, conn := stubStore(t)
	conn.FailTables = map[string]bool{"relkeeper_objects": true}
	if _, err := store.Load(context.Background(), []domain.ObjectID{{Class: "Customer", Value: "c1"}}); err == nil {
		t.Fatalf("expected query failure")
	}
	if _, err := store.Load(context.Background(), []domain.ObjectID{{Class: "Unknown", Value: "x"}}); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected unknown class to be rejected, got %v", err)
	}
}

func TestStoreAgainstLiveDatabase(t *testing.T) {
	dsn := os.Getenv("RELKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELKEEPER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn, testMapping(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	id := domain.NewObjectID("Customer")
	res, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: id, Values: map[string]any{"Name": "live"}}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveDelete, ID: id, Expected: res[0].Timestamp}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
