package core

import (
	"context"
	"errors"
	"testing"

	"relkeeper/pkg/domain"
)

func TestCollectionLoadsLazilyInIDOrder(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	id := NewRelationEndPointID(c1.ID(), "Orders")
	if _, ok := tx.DataManager().EndPoint(id); ok {
		t.Fatalf("collection must not be registered before first access")
	}
	coll := mustCollection(t, tx, c1, "Orders")
	if got := collectionIDs(t, coll); !sameIDs(got, []domain.ObjectID{orderID("o1"), orderID("o2")}) {
		t.Fatalf("unexpected items: %v", got)
	}
	o2 := mustGet(t, tx, orderID("o2"))
	if i, err := coll.IndexOf(ctx, o2); err != nil || i != 1 {
		t.Fatalf("IndexOf: %d (%v)", i, err)
	}
	if at, err := coll.At(ctx, 0); err != nil || at.ID() != orderID("o1") {
		t.Fatalf("At(0): %v (%v)", at, err)
	}
	if _, err := coll.At(ctx, 5); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected out of range error, got %v", err)
	}
	if tx.State(c1) != ObjectUnchanged {
		t.Fatalf("loading a collection must not change the owner")
	}
}

func TestCollectionAddMovesItemBetweenOwners(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{}
	tx := newTestTransaction(t, seededStore(), WithListener(l))
	c1 := mustGet(t, tx, customerID("c1"))
	c2 := mustGet(t, tx, customerID("c2"))
	o3 := mustGet(t, tx, orderID("o3"))
	coll := mustCollection(t, tx, c1, "Orders")
	if err := coll.Add(ctx, o3); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := collectionIDs(t, coll); !sameIDs(got, []domain.ObjectID{orderID("o1"), orderID("o2"), orderID("o3")}) {
		t.Fatalf("unexpected c1 orders: %v", got)
	}
	if got := collectionIDs(t, mustCollection(t, tx, c2, "Orders")); len(got) != 0 {
		t.Fatalf("o3 must leave c2, got %v", got)
	}
	if rel, _ := tx.GetRelated(ctx, o3, "Customer"); rel != c1 {
		t.Fatalf("foreign key must follow the collection, got %v", rel)
	}
	if orig, _ := tx.GetOriginalRelated(ctx, o3, "Customer"); orig != c2 {
		t.Fatalf("original relation must be kept, got %v", orig)
	}
	for _, obj := range []*DomainObject{c1, c2, o3} {
		if tx.State(obj) != ObjectChanged {
			t.Fatalf("%s should be Changed, got %s", obj, tx.State(obj))
		}
	}
	if l.count("CollectionAdded") != 1 || l.count("CollectionRemoved") != 1 {
		t.Fatalf("unexpected events: %v", l.events)
	}
	if err := coll.Add(ctx, o3); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("duplicate add must fail, got %v", err)
	}
	if err := coll.Insert(ctx, 9, mustGet(t, tx, orderID("o1"))); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("insert out of range must fail, got %v", err)
	}
}

func TestCollectionVetoLeavesBothSidesUntouched(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{vetoOn: "CollectionAdding"}
	tx := newTestTransaction(t, seededStore(), WithListener(l))
	c1 := mustGet(t, tx, customerID("c1"))
	o3 := mustGet(t, tx, orderID("o3"))
	coll := mustCollection(t, tx, c1, "Orders")
	if err := coll.Add(ctx, o3); err == nil {
		t.Fatalf("expected veto")
	}
	if rel, _ := tx.GetRelated(ctx, o3, "Customer"); rel == nil || rel.ID() != customerID("c2") {
		t.Fatalf("vetoed add must keep the foreign key, got %v", rel)
	}
	if n, _ := coll.Len(ctx); n != 2 {
		t.Fatalf("vetoed add must keep the collection, got %d", n)
	}
}

func TestSetForeignKeyUpdatesLoadedCollections(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	o1 := mustGet(t, tx, orderID("o1"))
	c2 := mustGet(t, tx, customerID("c2"))
	if err := tx.SetRelated(ctx, o1, "Customer", c2); err != nil {
		t.Fatalf("SetRelated: %v", err)
	}
	c1 := mustGet(t, tx, customerID("c1"))
	if got := collectionIDs(t, mustCollection(t, tx, c1, "Orders")); !sameIDs(got, []domain.ObjectID{orderID("o2")}) {
		t.Fatalf("o1 must leave c1, got %v", got)
	}
	if got := collectionIDs(t, mustCollection(t, tx, c2, "Orders")); !sameIDs(got, []domain.ObjectID{orderID("o3"), orderID("o1")}) {
		t.Fatalf("o1 must be appended to c2, got %v", got)
	}
	if err := tx.SetValue(ctx, o1, "Customer", nil); err != nil {
		t.Fatalf("SetValue(nil): %v", err)
	}
	if got := collectionIDs(t, mustCollection(t, tx, c2, "Orders")); !sameIDs(got, []domain.ObjectID{orderID("o3")}) {
		t.Fatalf("clearing the foreign key must remove o1, got %v", got)
	}
	if err := tx.SetRelated(ctx, o1, "Customer", o1); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("wrong opposite class must be rejected, got %v", err)
	}
	if _, err := tx.GetRelated(ctx, c1, "Orders"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("GetRelated on a collection must fail, got %v", err)
	}
	if _, err := tx.Collection(ctx, o1, "Customer"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("Collection on a foreign key must fail, got %v", err)
	}
}

func TestCollectionRemoveAndReplace(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	o1 := mustGet(t, tx, orderID("o1"))
	o3 := mustGet(t, tx, orderID("o3"))
	coll := mustCollection(t, tx, c1, "Orders")
	removed, err := coll.Remove(ctx, o1)
	if err != nil || !removed {
		t.Fatalf("Remove: %v (%v)", removed, err)
	}
	if rel, _ := tx.GetRelated(ctx, o1, "Customer"); rel != nil {
		t.Fatalf("removed item must lose its foreign key, got %v", rel)
	}
	if removed, err := coll.Remove(ctx, o1); err != nil || removed {
		t.Fatalf("removing a missing item reports false, got %v (%v)", removed, err)
	}
	if err := coll.Replace(ctx, []*DomainObject{o3}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := collectionIDs(t, coll); !sameIDs(got, []domain.ObjectID{orderID("o3")}) {
		t.Fatalf("unexpected items after replace: %v", got)
	}
	o2 := mustGet(t, tx, orderID("o2"))
	if rel, _ := tx.GetRelated(ctx, o2, "Customer"); rel != nil {
		t.Fatalf("o2 must be released, got %v", rel)
	}
	c2 := mustGet(t, tx, customerID("c2"))
	if n, _ := mustCollection(t, tx, c2, "Orders").Len(ctx); n != 0 {
		t.Fatalf("o3 must leave c2, got %d items", n)
	}
	if err := coll.Set(ctx, 0, o2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if rel, _ := tx.GetRelated(ctx, o3, "Customer"); rel != nil {
		t.Fatalf("replaced item must be released, got %v", rel)
	}
	if err := coll.Replace(ctx, []*DomainObject{o2, o2}); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("duplicates must be rejected, got %v", err)
	}
}

func TestOneToOneStealsFromPreviousOwner(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	e1 := mustGet(t, tx, employeeID("e1"))
	e2 := mustGet(t, tx, employeeID("e2"))
	pc1 := mustGet(t, tx, computerID("pc1"))
	if rel, err := tx.GetRelated(ctx, e1, "Computer"); err != nil || rel != pc1 {
		t.Fatalf("expected e1 to own pc1, got %v (%v)", rel, err)
	}
	if err := tx.SetRelated(ctx, e2, "Computer", pc1); err != nil {
		t.Fatalf("SetRelated: %v", err)
	}
	if rel, _ := tx.GetRelated(ctx, e2, "Computer"); rel != pc1 {
		t.Fatalf("e2 should own pc1, got %v", rel)
	}
	if rel, _ := tx.GetRelated(ctx, pc1, "Employee"); rel != e2 {
		t.Fatalf("pc1 should point at e2, got %v", rel)
	}
	if rel, _ := tx.GetRelated(ctx, e1, "Computer"); rel != nil {
		t.Fatalf("e1 should have lost pc1, got %v", rel)
	}
	if err := tx.SetRelated(ctx, e2, "Computer", nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rel, _ := tx.GetRelated(ctx, pc1, "Employee"); rel != nil {
		t.Fatalf("clearing the virtual side must clear the foreign key, got %v", rel)
	}
}

func TestUnidirectionalRelation(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	region, err := tx.NewObject(ctx, "Region")
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	if err := tx.SetRelated(ctx, c1, "Region", region); err != nil {
		t.Fatalf("SetRelated: %v", err)
	}
	if rel, _ := tx.GetRelated(ctx, c1, "Region"); rel != region {
		t.Fatalf("expected region, got %v", rel)
	}
	v, err := tx.GetValue(ctx, c1, "Region")
	if err != nil || v != region.ID() {
		t.Fatalf("foreign key value should be the region id, got %v (%v)", v, err)
	}
}

func TestDeletingCollectionItemRemovesItFromOwner(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	coll := mustCollection(t, tx, c1, "Orders")
	o1 := mustGet(t, tx, orderID("o1"))
	if err := tx.Delete(ctx, o1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := collectionIDs(t, coll); !sameIDs(got, []domain.ObjectID{orderID("o2")}) {
		t.Fatalf("deleted order must leave the collection, got %v", got)
	}
	if err := coll.Add(ctx, o1); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("deleted objects cannot be related, got %v", err)
	}
}
