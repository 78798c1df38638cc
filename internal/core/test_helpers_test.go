package core

import (
	"context"
	"os"
	"testing"

	"relkeeper/internal/infra/persistence/memory"
	"relkeeper/pkg/domain"
)

func testMapping() *domain.Mapping {
	return domain.NewMappingBuilder().
		Class("Customer").Property("Name", domain.TypeString).
		Class("Order").Property("Number", domain.TypeInt).
		Class("Employee").Property("Name", domain.TypeString).
		Class("Computer").Property("Serial", domain.TypeString).
		Class("Region").Property("Code", domain.TypeString).
		Builder().
		OneToMany("Order", "Customer", "Customer", "Orders").
		OneToOne("Computer", "Employee", "Employee", "Computer").
		Unidirectional("Customer", "Region", "Region").
		MustBuild()
}

func customerID(v string) domain.ObjectID { return domain.ObjectID{Class: "Customer", Value: v} }
func orderID(v string) domain.ObjectID    { return domain.ObjectID{Class: "Order", Value: v} }
func employeeID(v string) domain.ObjectID { return domain.ObjectID{Class: "Employee", Value: v} }
func computerID(v string) domain.ObjectID { return domain.ObjectID{Class: "Computer", Value: v} }

// seededStore holds customers c1 and c2, orders o1 and o2 of c1, order o3 of
// c2, employee e1 with computer pc1 and employee e2 without computer.
func seededStore() *memory.Store {
	store := memory.NewStore()
	store.Put(
		domain.Record{ID: customerID("c1"), Values: map[string]any{"Name": "Ada"}},
		domain.Record{ID: customerID("c2"), Values: map[string]any{"Name": "Grace"}},
		domain.Record{ID: orderID("o1"), Values: map[string]any{"Number": int64(1), "Customer": customerID("c1")}},
		domain.Record{ID: orderID("o2"), Values: map[string]any{"Number": int64(2), "Customer": customerID("c1")}},
		domain.Record{ID: orderID("o3"), Values: map[string]any{"Number": int64(3), "Customer": customerID("c2")}},
		domain.Record{ID: employeeID("e1"), Values: map[string]any{"Name": "Linus"}},
		domain.Record{ID: employeeID("e2"), Values: map[string]any{"Name": "Ken"}},
		domain.Record{ID: computerID("pc1"), Values: map[string]any{"Serial": "X1", "Employee": employeeID("e1")}},
	)
	return store
}

func newTestTransaction(t *testing.T, store domain.StorageProvider, opts ...Option) *ClientTransaction {
	t.Helper()
	tx, err := NewRootTransaction(testMapping(), store, opts...)
	if err != nil {
		t.Fatalf("NewRootTransaction: %v", err)
	}
	return tx
}

func mustGet(t *testing.T, tx *ClientTransaction, id domain.ObjectID) *DomainObject {
	t.Helper()
	obj, err := tx.GetObject(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetObject(%s): %v", id, err)
	}
	return obj
}

func mustCollection(t *testing.T, tx *ClientTransaction, obj *DomainObject, property string) *Collection {
	t.Helper()
	coll, err := tx.Collection(context.Background(), obj, property)
	if err != nil {
		t.Fatalf("Collection(%s, %s): %v", obj, property, err)
	}
	return coll
}

func collectionIDs(t *testing.T, coll *Collection) []domain.ObjectID {
	t.Helper()
	items, err := coll.Items(context.Background())
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	ids := make([]domain.ObjectID, len(items))
	for i, it := range items {
		ids[i] = it.ID()
	}
	return ids
}

func sameIDs(a, b []domain.ObjectID) bool { return equalIDs(a, b) }

// withEnv sets key for the duration of fn and restores the previous value.
func withEnv(key, value string, fn func()) {
	orig, had := os.LookupEnv(key)
	if value == "" {
		_ = os.Unsetenv(key)
	} else {
		_ = os.Setenv(key, value)
	}
	defer func() {
		if had {
			_ = os.Setenv(key, orig)
		} else {
			_ = os.Unsetenv(key)
		}
	}()
	fn()
}

// recordingListener records notification names in delivery order.
type recordingListener struct {
	NoopListener
	events []string
	vetoOn string
}

func (l *recordingListener) record(name string) error {
	l.events = append(l.events, name)
	if name == l.vetoOn {
		return domain.InvalidOperationf("vetoed %s", name)
	}
	return nil
}

func (l *recordingListener) NewObjectCreating(*ClientTransaction, domain.ClassID) error {
	return l.record("NewObjectCreating")
}

func (l *recordingListener) ObjectsLoading(*ClientTransaction, []domain.ObjectID) error {
	return l.record("ObjectsLoading")
}

func (l *recordingListener) ObjectsLoaded(*ClientTransaction, []*DomainObject) {
	_ = l.record("ObjectsLoaded")
}

func (l *recordingListener) ObjectsNotFound(*ClientTransaction, []domain.ObjectID) {
	_ = l.record("ObjectsNotFound")
}

func (l *recordingListener) ObjectsUnloading(*ClientTransaction, []*DomainObject) error {
	return l.record("ObjectsUnloading")
}

func (l *recordingListener) ObjectsUnloaded(*ClientTransaction, []*DomainObject) {
	_ = l.record("ObjectsUnloaded")
}

func (l *recordingListener) ObjectDeleting(*ClientTransaction, *DomainObject) error {
	return l.record("ObjectDeleting")
}

func (l *recordingListener) ObjectDeleted(*ClientTransaction, *DomainObject) {
	_ = l.record("ObjectDeleted")
}

func (l *recordingListener) PropertyValueChanging(*ClientTransaction, *DomainObject, string, any, any) error {
	return l.record("PropertyValueChanging")
}

func (l *recordingListener) PropertyValueChanged(*ClientTransaction, *DomainObject, string, any, any) {
	_ = l.record("PropertyValueChanged")
}

func (l *recordingListener) RelationChanging(*ClientTransaction, *DomainObject, string, *DomainObject, *DomainObject) error {
	return l.record("RelationChanging")
}

func (l *recordingListener) RelationChanged(*ClientTransaction, *DomainObject, string, *DomainObject, *DomainObject) {
	_ = l.record("RelationChanged")
}

func (l *recordingListener) CollectionAdding(*ClientTransaction, *DomainObject, string, *DomainObject) error {
	return l.record("CollectionAdding")
}

func (l *recordingListener) CollectionAdded(*ClientTransaction, *DomainObject, string, *DomainObject) {
	_ = l.record("CollectionAdded")
}

func (l *recordingListener) CollectionRemoving(*ClientTransaction, *DomainObject, string, *DomainObject) error {
	return l.record("CollectionRemoving")
}

func (l *recordingListener) CollectionRemoved(*ClientTransaction, *DomainObject, string, *DomainObject) {
	_ = l.record("CollectionRemoved")
}

func (l *recordingListener) TransactionCommitted(*ClientTransaction, []*DomainObject) {
	_ = l.record("TransactionCommitted")
}

func (l *recordingListener) TransactionRollingBack(*ClientTransaction, []*DomainObject) error {
	return l.record("TransactionRollingBack")
}

func (l *recordingListener) TransactionRolledBack(*ClientTransaction, []*DomainObject) {
	_ = l.record("TransactionRolledBack")
}

func (l *recordingListener) count(name string) int {
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}
