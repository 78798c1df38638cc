package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"relkeeper/pkg/domain"
)

func oid(class, value string) domain.ObjectID {
	return domain.ObjectID{Class: domain.ClassID(class), Value: value}
}

func TestStoreLoadPreservesOrderAndDuplicates(t *testing.T) {
	store := NewStore()
	a, b := oid("Order", "a"), oid("Order", "b")
	store.Put(domain.Record{ID: a, Values: map[string]any{"Number": int64(1)}})
	ctx := context.Background()
	res, err := store.Load(ctx, []domain.ObjectID{b, a, a})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[0].ID != b || res[0].Found {
		t.Fatalf("expected missing b first, got %+v", res[0])
	}
	if !res[1].Found || !res[2].Found || res[1].Record.Timestamp == 0 {
		t.Fatalf("expected a twice with a timestamp, got %+v", res[1:])
	}
	res[1].Record.Values["Number"] = int64(99)
	again, _ := store.Load(ctx, []domain.ObjectID{a})
	if again[0].Record.Values["Number"] != int64(1) {
		t.Fatalf("loaded record aliases stored values")
	}
}

func TestStoreLoadRelatedSortedByID(t *testing.T) {
	store := NewStore()
	customer := oid("Customer", "c")
	store.Put(
		domain.Record{ID: oid("Order", "2"), Values: map[string]any{"Customer": customer}},
		domain.Record{ID: oid("Order", "1"), Values: map[string]any{"Customer": customer}},
		domain.Record{ID: oid("Order", "3"), Values: map[string]any{"Customer": oid("Customer", "other")}},
		domain.Record{ID: oid("Invoice", "9"), Values: map[string]any{"Customer": customer}},
	)
	recs, err := store.LoadRelated(context.Background(), domain.RelationQuery{Class: "Order", Property: "Customer", Target: customer})
	if err != nil {
		t.Fatalf("load related: %v", err)
	}
	if len(recs) != 2 || recs[0].ID.Value != "1" || recs[1].ID.Value != "2" {
		t.Fatalf("unexpected related records: %+v", recs)
	}
}

func TestStoreSaveOptimisticConcurrency(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	a := oid("Order", "a")
	res, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: a, Values: map[string]any{"Number": int64(1)}}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ts := res[0].Timestamp
	if _, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveUpdate, ID: a, Expected: ts, Values: map[string]any{"Number": int64(2)}}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = store.Save(ctx, []domain.SaveRecord{
		{Action: domain.SaveInsert, ID: oid("Order", "b")},
		{Action: domain.SaveUpdate, ID: a, Expected: ts},
	})
	var cv domain.ConcurrencyViolationError
	if !errors.As(err, &cv) || len(cv.IDs) != 1 || cv.IDs[0] != a {
		t.Fatalf("expected concurrency violation for a, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("failed batch must not apply partially, have %d records", store.Len())
	}
	if _, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: a}}); !errors.Is(err, domain.ErrConcurrencyViolation) {
		t.Fatalf("expected duplicate insert to conflict, got %v", err)
	}
}

func TestStoreDeleteAndSnapshots(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	a := oid("Order", "a")
	res, _ := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: a}})
	snap := store.ExportState()
	if _, err := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveDelete, ID: a, Expected: res[0].Timestamp}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected record removed")
	}
	store.ImportState(snap)
	if store.Len() != 1 {
		t.Fatalf("expected restored state")
	}
	next, _ := store.Save(ctx, []domain.SaveRecord{{Action: domain.SaveInsert, ID: oid("Order", "b")}})
	if next[0].Timestamp <= res[0].Timestamp {
		t.Fatalf("clock must keep increasing after import")
	}
}

func TestStoreConcurrentWriters(t *testing.T) {
	store := NewStore()
	a := oid("Order", "a")
	res, _ := store.Save(context.Background(), []domain.SaveRecord{{Action: domain.SaveInsert, ID: a}})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(context.Background(), []domain.SaveRecord{{Action: domain.SaveUpdate, ID: a, Expected: res[0].Timestamp}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winning writer, got %d", ok)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStore().Load(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
