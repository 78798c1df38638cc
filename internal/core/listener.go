package core

import "relkeeper/pkg/domain"

// Listener observes a transaction. Methods ending in "ing" run before the
// change and may veto it by returning an error; the change is then not
// applied. Methods ending in "ed" run after the change.
//
// "ing" notifications must not modify the transaction; such modifications
// fail with an InvalidOperationError. TransactionCommitting is the exception:
// committing handlers may change objects and use the registrar to include
// them in the commit.
//
// Embed NoopListener to implement only the methods of interest.
type Listener interface {
	SubTransactionCreated(parent, sub *ClientTransaction)
	TransactionDiscarded(tx *ClientTransaction)

	NewObjectCreating(tx *ClientTransaction, class domain.ClassID) error
	ObjectsLoading(tx *ClientTransaction, ids []domain.ObjectID) error
	ObjectsLoaded(tx *ClientTransaction, objects []*DomainObject)
	ObjectsNotFound(tx *ClientTransaction, ids []domain.ObjectID)
	ObjectsUnloading(tx *ClientTransaction, objects []*DomainObject) error
	ObjectsUnloaded(tx *ClientTransaction, objects []*DomainObject)
	ObjectDeleting(tx *ClientTransaction, obj *DomainObject) error
	ObjectDeleted(tx *ClientTransaction, obj *DomainObject)

	PropertyValueChanging(tx *ClientTransaction, obj *DomainObject, property string, oldValue, newValue any) error
	PropertyValueChanged(tx *ClientTransaction, obj *DomainObject, property string, oldValue, newValue any)
	RelationChanging(tx *ClientTransaction, obj *DomainObject, property string, oldRelated, newRelated *DomainObject) error
	RelationChanged(tx *ClientTransaction, obj *DomainObject, property string, oldRelated, newRelated *DomainObject)
	CollectionAdding(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) error
	CollectionAdded(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject)
	CollectionRemoving(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) error
	CollectionRemoved(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject)

	TransactionCommitting(tx *ClientTransaction, objects []*DomainObject, registrar *CommittingEventRegistrar) error
	TransactionCommitValidate(tx *ClientTransaction, data []PersistableData) error
	TransactionCommitted(tx *ClientTransaction, objects []*DomainObject)
	TransactionRollingBack(tx *ClientTransaction, objects []*DomainObject) error
	TransactionRolledBack(tx *ClientTransaction, objects []*DomainObject)
}

// NoopListener implements Listener with empty methods.
type NoopListener struct{}

var _ Listener = NoopListener{}

func (NoopListener) SubTransactionCreated(_, _ *ClientTransaction)                      {}
func (NoopListener) TransactionDiscarded(*ClientTransaction)                            {}
func (NoopListener) NewObjectCreating(*ClientTransaction, domain.ClassID) error         { return nil }
func (NoopListener) ObjectsLoading(*ClientTransaction, []domain.ObjectID) error         { return nil }
func (NoopListener) ObjectsLoaded(*ClientTransaction, []*DomainObject)                  {}
func (NoopListener) ObjectsNotFound(*ClientTransaction, []domain.ObjectID)              {}
func (NoopListener) ObjectsUnloading(*ClientTransaction, []*DomainObject) error         { return nil }
func (NoopListener) ObjectsUnloaded(*ClientTransaction, []*DomainObject)                {}
func (NoopListener) ObjectDeleting(*ClientTransaction, *DomainObject) error             { return nil }
func (NoopListener) ObjectDeleted(*ClientTransaction, *DomainObject)                    {}
func (NoopListener) TransactionCommitValidate(*ClientTransaction, []PersistableData) error { return nil }
func (NoopListener) TransactionCommitted(*ClientTransaction, []*DomainObject)           {}
func (NoopListener) TransactionRollingBack(*ClientTransaction, []*DomainObject) error   { return nil }
func (NoopListener) TransactionRolledBack(*ClientTransaction, []*DomainObject)          {}

func (NoopListener) PropertyValueChanging(*ClientTransaction, *DomainObject, string, any, any) error {
	return nil
}
func (NoopListener) PropertyValueChanged(*ClientTransaction, *DomainObject, string, any, any) {}
func (NoopListener) RelationChanging(*ClientTransaction, *DomainObject, string, *DomainObject, *DomainObject) error {
	return nil
}
func (NoopListener) RelationChanged(*ClientTransaction, *DomainObject, string, *DomainObject, *DomainObject) {
}
func (NoopListener) CollectionAdding(*ClientTransaction, *DomainObject, string, *DomainObject) error {
	return nil
}
func (NoopListener) CollectionAdded(*ClientTransaction, *DomainObject, string, *DomainObject) {}
func (NoopListener) CollectionRemoving(*ClientTransaction, *DomainObject, string, *DomainObject) error {
	return nil
}
func (NoopListener) CollectionRemoved(*ClientTransaction, *DomainObject, string, *DomainObject) {}
func (NoopListener) TransactionCommitting(*ClientTransaction, []*DomainObject, *CommittingEventRegistrar) error {
	return nil
}

// eventBroker fans notifications out to the listeners of one transaction in
// registration order. The first veto stops delivery.
type eventBroker struct {
	listeners []Listener
	// vetoing counts "ing" notifications in progress.
	vetoing int
}

func (b *eventBroker) add(l Listener) {
	b.listeners = append(b.listeners, l)
}

func (b *eventBroker) remove(l Listener) bool {
	for i, x := range b.listeners {
		if x == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (b *eventBroker) veto(fn func(Listener) error) error {
	b.vetoing++
	defer func() { b.vetoing-- }()
	for _, l := range b.listeners {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (b *eventBroker) notify(fn func(Listener)) {
	for _, l := range b.listeners {
		fn(l)
	}
}

func (b *eventBroker) subTransactionCreated(parent, sub *ClientTransaction) {
	b.notify(func(l Listener) { l.SubTransactionCreated(parent, sub) })
}

func (b *eventBroker) transactionDiscarded(tx *ClientTransaction) {
	b.notify(func(l Listener) { l.TransactionDiscarded(tx) })
}

func (b *eventBroker) newObjectCreating(tx *ClientTransaction, class domain.ClassID) error {
	return b.veto(func(l Listener) error { return l.NewObjectCreating(tx, class) })
}

func (b *eventBroker) objectsLoading(tx *ClientTransaction, ids []domain.ObjectID) error {
	return b.veto(func(l Listener) error { return l.ObjectsLoading(tx, ids) })
}

func (b *eventBroker) objectsLoaded(tx *ClientTransaction, objects []*DomainObject) {
	b.notify(func(l Listener) { l.ObjectsLoaded(tx, objects) })
}

func (b *eventBroker) objectsNotFound(tx *ClientTransaction, ids []domain.ObjectID) {
	b.notify(func(l Listener) { l.ObjectsNotFound(tx, ids) })
}

func (b *eventBroker) objectsUnloading(tx *ClientTransaction, objects []*DomainObject) error {
	return b.veto(func(l Listener) error { return l.ObjectsUnloading(tx, objects) })
}

func (b *eventBroker) objectsUnloaded(tx *ClientTransaction, objects []*DomainObject) {
	b.notify(func(l Listener) { l.ObjectsUnloaded(tx, objects) })
}

func (b *eventBroker) objectDeleting(tx *ClientTransaction, obj *DomainObject) error {
	return b.veto(func(l Listener) error { return l.ObjectDeleting(tx, obj) })
}

func (b *eventBroker) objectDeleted(tx *ClientTransaction, obj *DomainObject) {
	b.notify(func(l Listener) { l.ObjectDeleted(tx, obj) })
}

func (b *eventBroker) propertyValueChanging(tx *ClientTransaction, obj *DomainObject, property string, oldValue, newValue any) error {
	return b.veto(func(l Listener) error { return l.PropertyValueChanging(tx, obj, property, oldValue, newValue) })
}

func (b *eventBroker) propertyValueChanged(tx *ClientTransaction, obj *DomainObject, property string, oldValue, newValue any) {
	b.notify(func(l Listener) { l.PropertyValueChanged(tx, obj, property, oldValue, newValue) })
}

func (b *eventBroker) relationChanging(tx *ClientTransaction, obj *DomainObject, property string, oldRelated, newRelated *DomainObject) error {
	return b.veto(func(l Listener) error { return l.RelationChanging(tx, obj, property, oldRelated, newRelated) })
}

func (b *eventBroker) relationChanged(tx *ClientTransaction, obj *DomainObject, property string, oldRelated, newRelated *DomainObject) {
	b.notify(func(l Listener) { l.RelationChanged(tx, obj, property, oldRelated, newRelated) })
}

func (b *eventBroker) collectionAdding(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) error {
	return b.veto(func(l Listener) error { return l.CollectionAdding(tx, owner, property, item) })
}

func (b *eventBroker) collectionAdded(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) {
	b.notify(func(l Listener) { l.CollectionAdded(tx, owner, property, item) })
}

func (b *eventBroker) collectionRemoving(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) error {
	return b.veto(func(l Listener) error { return l.CollectionRemoving(tx, owner, property, item) })
}

func (b *eventBroker) collectionRemoved(tx *ClientTransaction, owner *DomainObject, property string, item *DomainObject) {
	b.notify(func(l Listener) { l.CollectionRemoved(tx, owner, property, item) })
}

// transactionCommitting is not counted as a veto phase: handlers may modify
// the transaction.
func (b *eventBroker) transactionCommitting(tx *ClientTransaction, objects []*DomainObject, registrar *CommittingEventRegistrar) error {
	for _, l := range b.listeners {
		if err := l.TransactionCommitting(tx, objects, registrar); err != nil {
			return err
		}
	}
	return nil
}

func (b *eventBroker) transactionCommitValidate(tx *ClientTransaction, data []PersistableData) error {
	return b.veto(func(l Listener) error { return l.TransactionCommitValidate(tx, data) })
}

func (b *eventBroker) transactionCommitted(tx *ClientTransaction, objects []*DomainObject) {
	b.notify(func(l Listener) { l.TransactionCommitted(tx, objects) })
}

func (b *eventBroker) transactionRollingBack(tx *ClientTransaction, objects []*DomainObject) error {
	return b.veto(func(l Listener) error { return l.TransactionRollingBack(tx, objects) })
}

func (b *eventBroker) transactionRolledBack(tx *ClientTransaction, objects []*DomainObject) {
	b.notify(func(l Listener) { l.TransactionRolledBack(tx, objects) })
}
