package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"relkeeper/internal/blob"
	"relkeeper/internal/core"
	"relkeeper/internal/infra/persistence/blobstore"
	"relkeeper/internal/infra/persistence/memory"
	"relkeeper/internal/infra/persistence/sqlite"
	"relkeeper/pkg/domain"
)

func shopMapping() *domain.Mapping {
	return domain.NewMappingBuilder().
		Class("Customer").Property("Name", domain.TypeString).
		Class("Order").Property("Number", domain.TypeInt).
		Class("Employee").Property("Name", domain.TypeString).
		Class("Computer").Property("Serial", domain.TypeString).
		Builder().
		OneToMany("Order", "Customer", "Customer", "Orders").
		OneToOne("Computer", "Employee", "Employee", "Computer").
		MustBuild()
}

func customerID(v string) domain.ObjectID { return domain.ObjectID{Class: "Customer", Value: v} }
func orderID(v string) domain.ObjectID    { return domain.ObjectID{Class: "Order", Value: v} }
func employeeID(v string) domain.ObjectID { return domain.ObjectID{Class: "Employee", Value: v} }
func computerID(v string) domain.ObjectID { return domain.ObjectID{Class: "Computer", Value: v} }

type providerVariant struct {
	name string
	open func(t *testing.T, m *domain.Mapping) domain.StorageProvider
}

// providerVariants lists the in-process providers every scenario runs
// against.
func providerVariants() []providerVariant {
	return []providerVariant{
		{
			name: "memory",
			open: func(_ *testing.T, _ *domain.Mapping) domain.StorageProvider { return memory.NewStore() },
		},
		{
			name: "sqlite",
			open: func(t *testing.T, m *domain.Mapping) domain.StorageProvider {
				path := filepath.Join(t.TempDir(), "integration.db")
				s, err := sqlite.NewStore(context.Background(), path, m)
				if err != nil {
					t.Skipf("sqlite unavailable: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "blob-filesystem",
			open: func(t *testing.T, m *domain.Mapping) domain.StorageProvider {
				blobs, err := blob.NewFilesystem(t.TempDir())
				require.NoError(t, err)
				s, err := blobstore.New(blobs, m)
				require.NoError(t, err)
				return s
			},
		},
	}
}

func forEachProvider(t *testing.T, fn func(t *testing.T, m *domain.Mapping, p domain.StorageProvider)) {
	for _, v := range providerVariants() {
		t.Run(v.name, func(t *testing.T) {
			m := shopMapping()
			fn(t, m, v.open(t, m))
		})
	}
}

// seed commits customers c1 and c2, orders o1 and o2 of c1, order o3 of c2,
// unassigned order o4, employee e1 with computer pc1 and employee e2.
func seed(t *testing.T, m *domain.Mapping, p domain.StorageProvider) {
	t.Helper()
	ctx := context.Background()
	tx, err := core.NewRootTransaction(m, p)
	require.NoError(t, err)
	create := func(id domain.ObjectID, values map[string]any) *core.DomainObject {
		obj, err := tx.NewObjectWithID(ctx, id)
		require.NoError(t, err)
		for k, v := range values {
			require.NoError(t, tx.SetValue(ctx, obj, k, v))
		}
		return obj
	}
	c1 := create(customerID("c1"), map[string]any{"Name": "Ada"})
	c2 := create(customerID("c2"), map[string]any{"Name": "Grace"})
	for i, owner := range []*core.DomainObject{c1, c1, c2, nil} {
		o := create(orderID(fmt.Sprintf("o%d", i+1)), map[string]any{"Number": int64(i + 1)})
		if owner != nil {
			require.NoError(t, tx.SetRelated(ctx, o, "Customer", owner))
		}
	}
	e1 := create(employeeID("e1"), map[string]any{"Name": "Linus"})
	create(employeeID("e2"), map[string]any{"Name": "Ken"})
	pc1 := create(computerID("pc1"), map[string]any{"Serial": "X1"})
	require.NoError(t, tx.SetRelated(ctx, pc1, "Employee", e1))
	require.NoError(t, tx.Commit(ctx))
}

func newTx(t *testing.T, m *domain.Mapping, p domain.StorageProvider, opts ...core.Option) *core.ClientTransaction {
	t.Helper()
	tx, err := core.NewRootTransaction(m, p, opts...)
	require.NoError(t, err)
	return tx
}

func get(t *testing.T, tx *core.ClientTransaction, id domain.ObjectID) *core.DomainObject {
	t.Helper()
	obj, err := tx.GetObject(context.Background(), id, false)
	require.NoError(t, err)
	return obj
}

func orders(t *testing.T, tx *core.ClientTransaction, owner *core.DomainObject) *core.Collection {
	t.Helper()
	coll, err := tx.Collection(context.Background(), owner, "Orders")
	require.NoError(t, err)
	return coll
}

func itemIDs(t *testing.T, coll *core.Collection) []domain.ObjectID {
	t.Helper()
	items, err := coll.Items(context.Background())
	require.NoError(t, err)
	ids := make([]domain.ObjectID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID())
	}
	return ids
}

// eventLog records relation notifications as "Name(object)" strings.
type eventLog struct {
	core.NoopListener
	events []string
}

func (l *eventLog) add(name string, obj *core.DomainObject, extra ...*core.DomainObject) {
	s := name + "(" + obj.ID().Value
	for _, e := range extra {
		s += "," + e.ID().Value
	}
	l.events = append(l.events, s+")")
}

func (l *eventLog) RelationChanging(_ *core.ClientTransaction, obj *core.DomainObject, _ string, _, _ *core.DomainObject) error {
	l.add("relationChanging", obj)
	return nil
}

func (l *eventLog) RelationChanged(_ *core.ClientTransaction, obj *core.DomainObject, _ string, _, _ *core.DomainObject) {
	l.add("relationChanged", obj)
}

func (l *eventLog) CollectionRemoving(_ *core.ClientTransaction, owner *core.DomainObject, _ string, item *core.DomainObject) error {
	l.add("collectionRemoving", owner, item)
	return nil
}

func (l *eventLog) CollectionRemoved(_ *core.ClientTransaction, owner *core.DomainObject, _ string, item *core.DomainObject) {
	l.add("collectionRemoved", owner, item)
}
