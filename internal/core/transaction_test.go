package core

import (
	"context"
	"errors"
	"testing"

	"relkeeper/internal/infra/persistence/memory"
	"relkeeper/pkg/domain"
)

func TestNewRootTransactionRejectsMissingCollaborators(t *testing.T) {
	if _, err := NewRootTransaction(nil, memory.NewStore()); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected argument error for nil mapping, got %v", err)
	}
	if _, err := NewRootTransaction(testMapping(), nil); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected argument error for nil provider, got %v", err)
	}
}

func TestNewObjectStartsWithDefaults(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, memory.NewStore())
	obj, err := tx.NewObject(ctx, "Customer")
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	if got := tx.State(obj); got != ObjectNew {
		t.Fatalf("expected New, got %s", got)
	}
	name, err := tx.GetValue(ctx, obj, "Name")
	if err != nil || name != "" {
		t.Fatalf("expected empty default name, got %v (%v)", name, err)
	}
	coll := mustCollection(t, tx, obj, "Orders")
	if n, err := coll.Len(ctx); err != nil || n != 0 {
		t.Fatalf("new collection should be complete and empty, got %d (%v)", n, err)
	}
	if !tx.IsEnlisted(obj) {
		t.Fatalf("new object must be enlisted")
	}
}

func TestNewObjectWithIDRejectsDuplicatesAndUnknownClasses(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	mustGet(t, tx, customerID("c1"))
	if _, err := tx.NewObjectWithID(ctx, customerID("c1")); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("expected duplicate id to be rejected, got %v", err)
	}
	if _, err := tx.NewObject(ctx, "Invoice"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected unknown class to be rejected, got %v", err)
	}
	if _, err := tx.NewObjectWithID(ctx, domain.ObjectID{}); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected empty id to be rejected, got %v", err)
	}
}

func TestGetObjectLoadsUnchangedData(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	obj := mustGet(t, tx, customerID("c1"))
	if got := tx.State(obj); got != ObjectUnchanged {
		t.Fatalf("expected Unchanged, got %s", got)
	}
	if again := mustGet(t, tx, customerID("c1")); again != obj {
		t.Fatalf("identity map must return the same handle")
	}
	ts, err := tx.Timestamp(ctx, obj)
	if err != nil || ts == 0 {
		t.Fatalf("expected persisted timestamp, got %d (%v)", ts, err)
	}
}

func TestGetObjectNotFoundMarksInvalid(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	missing := customerID("nope")
	if _, err := tx.GetObject(ctx, missing, false); !errors.Is(err, domain.ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ref, err := tx.GetObjectReference(customerID("c2"))
	if err != nil {
		t.Fatalf("GetObjectReference: %v", err)
	}
	if got := tx.State(ref); got != ObjectNotLoadedYet {
		t.Fatalf("expected NotLoadedYet for reference, got %s", got)
	}
	if _, err := tx.GetObjectReference(missing); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("expected invalid object reference to fail, got %v", err)
	}
	obj, err := tx.TryGetObject(ctx, missing)
	if err != nil || obj != nil {
		t.Fatalf("TryGetObject must return nil for missing objects, got %v (%v)", obj, err)
	}
}

func TestGetObjectsPreservesOrderAndReportsMissing(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	objs, err := tx.GetObjects(ctx, orderID("o2"), customerID("c1"), orderID("o1"))
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if objs[0].ID() != orderID("o2") || objs[1].ID() != customerID("c1") || objs[2].ID() != orderID("o1") {
		t.Fatalf("unexpected order: %v", objs)
	}
	_, err = tx.GetObjects(ctx, orderID("o3"), orderID("x1"), orderID("x2"))
	var notFound domain.ObjectNotFoundError
	if !errors.As(err, &notFound) || len(notFound.IDs) != 2 {
		t.Fatalf("expected both missing ids reported, got %v", err)
	}
}

func TestSetValueTracksChangesByValue(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	obj := mustGet(t, tx, customerID("c1"))
	if err := tx.SetValue(ctx, obj, "Name", "Ada L."); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if got := tx.State(obj); got != ObjectChanged {
		t.Fatalf("expected Changed, got %s", got)
	}
	orig, _ := tx.GetOriginalValue(ctx, obj, "Name")
	if orig != "Ada" {
		t.Fatalf("original value must be kept, got %v", orig)
	}
	if err := tx.SetValue(ctx, obj, "Name", "Ada"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if got := tx.State(obj); got != ObjectUnchanged {
		t.Fatalf("restoring the original value should make the object Unchanged, got %s", got)
	}
	if err := tx.SetValue(ctx, obj, "Name", 42); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if err := tx.SetValue(ctx, obj, "Missing", "x"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected unknown property error, got %v", err)
	}
	if err := tx.SetValue(ctx, obj, "Orders", nil); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("virtual end points are not properties, got %v", err)
	}
}

func TestMarkAsChangedAndRegisterForCommit(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	if err := tx.MarkAsChanged(ctx, c1); err != nil {
		t.Fatalf("MarkAsChanged: %v", err)
	}
	if got := tx.State(c1); got != ObjectChanged {
		t.Fatalf("expected Changed, got %s", got)
	}
	fresh, _ := tx.NewObject(ctx, "Customer")
	if err := tx.MarkAsChanged(ctx, fresh); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("new objects cannot be marked, got %v", err)
	}
	if err := tx.RegisterForCommit(ctx, fresh); err != nil {
		t.Fatalf("registering a new object is a no-op, got %v", err)
	}
	c2 := mustGet(t, tx, customerID("c2"))
	if err := tx.RegisterForCommit(ctx, c2); err != nil || tx.State(c2) != ObjectChanged {
		t.Fatalf("RegisterForCommit should change the state, got %s (%v)", tx.State(c2), err)
	}
}

func TestObjectsOfOtherHierarchiesAreRejected(t *testing.T) {
	ctx := context.Background()
	store := seededStore()
	a := newTestTransaction(t, store)
	b := newTestTransaction(t, store)
	foreign := mustGet(t, b, customerID("c1"))
	if err := a.SetValue(ctx, foreign, "Name", "x"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected foreign object to be rejected, got %v", err)
	}
	if got := a.State(foreign); got != ObjectInvalid {
		t.Fatalf("foreign handles report Invalid, got %s", got)
	}
	if a.IsEnlisted(foreign) {
		t.Fatalf("foreign handle must not be enlisted")
	}
}

func TestDeleteExistingAndNewObjects(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	if err := tx.Delete(ctx, c1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := tx.State(c1); got != ObjectDeleted {
		t.Fatalf("expected Deleted, got %s", got)
	}
	if _, err := tx.GetObject(ctx, c1.ID(), false); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("deleted objects are hidden by default, got %v", err)
	}
	if obj, err := tx.GetObject(ctx, c1.ID(), true); err != nil || obj != c1 {
		t.Fatalf("includeDeleted should return the handle, got %v (%v)", obj, err)
	}
	o1 := mustGet(t, tx, orderID("o1"))
	if rel, _ := tx.GetRelated(ctx, o1, "Customer"); rel != nil {
		t.Fatalf("deleting the customer must clear the order's foreign key, got %v", rel)
	}
	if err := tx.SetValue(ctx, c1, "Name", "x"); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("deleted objects cannot be modified, got %v", err)
	}
	if err := tx.Delete(ctx, c1); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("double delete must fail, got %v", err)
	}
	fresh, _ := tx.NewObject(ctx, "Customer")
	if err := tx.Delete(ctx, fresh); err != nil {
		t.Fatalf("Delete new: %v", err)
	}
	if got := tx.State(fresh); got != ObjectInvalid {
		t.Fatalf("deleted new objects become Invalid, got %s", got)
	}
}

func TestListenersSeeChangesAndCanVeto(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{}
	tx := newTestTransaction(t, seededStore(), WithListener(l))
	c1 := mustGet(t, tx, customerID("c1"))
	if err := tx.SetValue(ctx, c1, "Name", "B"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if l.count("PropertyValueChanging") != 1 || l.count("PropertyValueChanged") != 1 {
		t.Fatalf("unexpected events: %v", l.events)
	}
	l.vetoOn = "PropertyValueChanging"
	if err := tx.SetValue(ctx, c1, "Name", "C"); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("expected veto, got %v", err)
	}
	if v, _ := tx.GetValue(ctx, c1, "Name"); v != "B" {
		t.Fatalf("vetoed change must not apply, got %v", v)
	}
	l.vetoOn = "NewObjectCreating"
	if _, err := tx.NewObject(ctx, "Customer"); err == nil {
		t.Fatalf("expected creation veto")
	}
	if !tx.RemoveListener(l) || tx.RemoveListener(l) {
		t.Fatalf("RemoveListener should report registration once")
	}
}

type reentrantListener struct {
	NoopListener
	tx  *ClientTransaction
	err error
}

func (l *reentrantListener) PropertyValueChanging(_ *ClientTransaction, obj *DomainObject, _ string, _, _ any) error {
	l.err = l.tx.SetValue(context.Background(), obj, "Name", "inner")
	return nil
}

func TestModificationsDuringChangingNotificationsFail(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	l := &reentrantListener{tx: tx}
	tx.AddListener(l)
	c1 := mustGet(t, tx, customerID("c1"))
	if err := tx.SetValue(ctx, c1, "Name", "outer"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !errors.Is(l.err, domain.ErrInvalidOperation) {
		t.Fatalf("nested modification should fail, got %v", l.err)
	}
	if v, _ := tx.GetValue(ctx, c1, "Name"); v != "outer" {
		t.Fatalf("expected outer value, got %v", v)
	}
}

func TestEnsureDataAvailableAndComplete(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(t, seededStore())
	c1, _ := tx.GetObjectReference(customerID("c1"))
	missing, _ := tx.GetObjectReference(customerID("gone"))
	if err := tx.EnsureDataAvailable(ctx, c1, missing); !errors.Is(err, domain.ErrObjectNotFound) {
		t.Fatalf("expected not found for the missing object, got %v", err)
	}
	if tx.State(c1) != ObjectUnchanged {
		t.Fatalf("found objects must be loaded, got %s", tx.State(c1))
	}
	id := NewRelationEndPointID(c1.ID(), "Orders")
	if err := tx.EnsureDataComplete(ctx, id); err != nil {
		t.Fatalf("EnsureDataComplete: %v", err)
	}
	ep, ok := tx.DataManager().EndPoint(id)
	if !ok || !ep.IsDataComplete() || len(ep.OppositeObjectIDs()) != 2 {
		t.Fatalf("expected complete collection with two orders, got %v", ep)
	}
	if err := tx.EnsureDataComplete(ctx, NewRelationEndPointID(c1.ID(), "Name")); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("expected argument error for a scalar property, got %v", err)
	}
}

func TestStatusStrings(t *testing.T) {
	cases := []struct{ got, want string }{
		{StatusActive.String(), "Active"},
		{StatusCommitted.String(), "Committed"},
		{StatusRolledBack.String(), "RolledBack"},
		{StatusDiscarded.String(), "Discarded"},
		{ObjectNotLoadedYet.String(), "NotLoadedYet"},
		{ObjectInvalid.String(), "Invalid"},
		{StateDiscarded.String(), "Discarded"},
		{SyncUnknown.String(), "Unknown"},
		{LoadComplete.String(), "Complete"},
		{RecurseToRoot.String(), "RecurseToRoot"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("expected %q, got %q", c.want, c.got)
		}
	}
}

func TestMixinPropertiesBehaveLikeOwnProperties(t *testing.T) {
	ctx := context.Background()
	audit := domain.Mixin{Name: "Audit", Properties: []domain.PropertyDefinition{{Name: "CreatedBy", Type: domain.TypeString}}}
	m := domain.NewMappingBuilder().
		Class("Customer").Property("Name", domain.TypeString).Mixin(audit).
		Builder().MustBuild()
	store := memory.NewStore()
	tx, err := NewRootTransaction(m, store)
	if err != nil {
		t.Fatalf("NewRootTransaction: %v", err)
	}
	obj, err := tx.NewObjectWithID(ctx, customerID("c9"))
	if err != nil {
		t.Fatalf("NewObjectWithID: %v", err)
	}
	createdBy := domain.MixinProperty("Audit", "CreatedBy")
	if err := tx.SetValue(ctx, obj, createdBy, "importer"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := tx.SetValue(ctx, obj, "CreatedBy", "x"); !errors.Is(err, domain.ErrArgument) {
		t.Fatalf("unqualified mixin property must be unknown, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	res, err := store.Load(ctx, []domain.ObjectID{customerID("c9")})
	if err != nil || len(res) != 1 || !res[0].Found {
		t.Fatalf("load: %v %+v", err, res)
	}
	if got := res[0].Record.Values[createdBy]; got != "importer" {
		t.Fatalf("stored mixin value %v", got)
	}
}
