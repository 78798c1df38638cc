package core

import (
	"context"
	"errors"
	"fmt"

	"relkeeper/pkg/domain"
)

// UnloadTransactionMode selects the transactions an unload applies to.
type UnloadTransactionMode int

// Unload modes. RecurseToRoot unloads in the given transaction first and
// then in each parent up to the root.
const (
	ThisTransactionOnly UnloadTransactionMode = iota
	RecurseToRoot
)

func (m UnloadTransactionMode) String() string {
	switch m {
	case ThisTransactionOnly:
		return "ThisTransactionOnly"
	case RecurseToRoot:
		return "RecurseToRoot"
	default:
		return fmt.Sprintf("UnloadTransactionMode(%d)", int(m))
	}
}

// UnloadService removes unchanged data from transactions so it is reloaded
// on next access.
type UnloadService struct{}

func unloadChain(tx *ClientTransaction, mode UnloadTransactionMode) []*ClientTransaction {
	chain := []*ClientTransaction{tx}
	if mode == RecurseToRoot {
		for p := tx.parent; p != nil; p = p.parent {
			chain = append(chain, p)
		}
	}
	return chain
}

func (tx *ClientTransaction) checkUnloadAllowed() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.events.vetoing > 0 {
		return domain.InvalidOperationf("transaction %s cannot unload data while a changing notification is delivered", tx.id)
	}
	return nil
}

func blocked(err error) bool {
	return errors.Is(err, domain.ErrInvalidOperation)
}

// UnloadData unloads the object id. Objects that are not loaded are ignored;
// objects that are not Unchanged, or whose relations changed, cannot be
// unloaded. With RecurseToRoot a failure in a parent is returned as is and
// the transactions below it stay unloaded.
func (UnloadService) UnloadData(ctx context.Context, tx *ClientTransaction, id domain.ObjectID, mode UnloadTransactionMode) (err error) {
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return err
		}
		if err := t.dm.unloadContainers([]domain.ObjectID{id}); err != nil {
			return err
		}
	}
	return nil
}

// TryUnloadData is UnloadData reporting false instead of failing when the
// object cannot be unloaded. Transactions below the blocking one stay
// unloaded.
func (UnloadService) TryUnloadData(ctx context.Context, tx *ClientTransaction, id domain.ObjectID, mode UnloadTransactionMode) (ok bool, err error) {
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return false, err
		}
		if t.dm.isLoaded(id) {
			if err := t.dm.checkUnload([]domain.ObjectID{id}); err != nil {
				if blocked(err) {
					return false, nil
				}
				return false, err
			}
		}
		if err := t.dm.unloadContainers([]domain.ObjectID{id}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func virtualDefinition(tx *ClientTransaction, id RelationEndPointID, collectionOnly bool) error {
	def, err := tx.dm.endPointDefinition(id)
	if err != nil {
		return err
	}
	if !def.Virtual {
		return domain.ArgumentError{Argument: "endPointID", Message: fmt.Sprintf("%s holds a foreign key and cannot be unloaded on its own", def)}
	}
	if collectionOnly && !def.IsCollection() {
		return domain.ArgumentError{Argument: "endPointID", Message: fmt.Sprintf("%s is not a collection end point", def)}
	}
	return nil
}

// UnloadVirtualEndPoint marks the virtual or collection end point id
// incomplete so its data is reloaded on next access. Incomplete end points
// are ignored; changed ones cannot be unloaded. With RecurseToRoot a failure
// in a parent leaves the end point unloaded in the transactions below it.
func (s UnloadService) UnloadVirtualEndPoint(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode) error {
	return s.unloadEndPoint(ctx, tx, id, mode, false)
}

// UnloadCollectionEndPoint is UnloadVirtualEndPoint restricted to collection
// end points.
func (s UnloadService) UnloadCollectionEndPoint(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode) error {
	return s.unloadEndPoint(ctx, tx, id, mode, true)
}

func (UnloadService) unloadEndPoint(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode, collectionOnly bool) (err error) {
	if err := virtualDefinition(tx, id, collectionOnly); err != nil {
		return err
	}
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return err
		}
		if err := t.dm.unloadVirtualEndPoint(id); err != nil {
			return err
		}
	}
	return nil
}

// TryUnloadVirtualEndPoint reports false instead of failing when the end
// point has been changed.
func (UnloadService) TryUnloadVirtualEndPoint(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode) (ok bool, err error) {
	if err := virtualDefinition(tx, id, false); err != nil {
		return false, err
	}
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return false, err
		}
		if ep := t.dm.endPoints.virtual(id); ep != nil && ep.HasChanged() {
			return false, nil
		}
		if err := t.dm.unloadVirtualEndPoint(id); err != nil {
			if blocked(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// UnloadVirtualEndPointAndItemData unloads the virtual end point id together
// with the objects it currently references. Either all of them are unloaded
// in a transaction or none. With RecurseToRoot the chain is not rolled back:
// transactions below a failing parent stay unloaded.
func (UnloadService) UnloadVirtualEndPointAndItemData(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode) (err error) {
	if err := virtualDefinition(tx, id, false); err != nil {
		return err
	}
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return err
		}
		items, err := t.endPointItemsForUnload(id)
		if err != nil {
			return err
		}
		if err := t.unloadEndPointAndItems(id, items); err != nil {
			return err
		}
	}
	return nil
}

// TryUnloadVirtualEndPointAndItemData reports false instead of failing when
// the end point or one of its items cannot be unloaded.
func (UnloadService) TryUnloadVirtualEndPointAndItemData(ctx context.Context, tx *ClientTransaction, id RelationEndPointID, mode UnloadTransactionMode) (ok bool, err error) {
	if err := virtualDefinition(tx, id, false); err != nil {
		return false, err
	}
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	for _, t := range unloadChain(tx, mode) {
		if err := t.checkUnloadAllowed(); err != nil {
			return false, err
		}
		items, err := t.endPointItemsForUnload(id)
		if err != nil {
			if blocked(err) {
				return false, nil
			}
			return false, err
		}
		if err := t.unloadEndPointAndItems(id, items); err != nil {
			if blocked(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// endPointItemsForUnload returns the current items of a complete, unchanged
// end point after checking that they can all be unloaded.
func (tx *ClientTransaction) endPointItemsForUnload(id RelationEndPointID) ([]domain.ObjectID, error) {
	ep := tx.dm.endPoints.virtual(id)
	if ep == nil || !ep.IsDataComplete() {
		return nil, nil
	}
	if ep.HasChanged() {
		return nil, domain.InvalidOperationf("the %s has been changed and cannot be unloaded", describeEndPoint(ep))
	}
	items := ep.OppositeObjectIDs()
	if err := tx.dm.checkUnload(items); err != nil {
		return nil, err
	}
	return items, nil
}

func (tx *ClientTransaction) unloadEndPointAndItems(id RelationEndPointID, items []domain.ObjectID) error {
	if err := tx.dm.unloadVirtualEndPoint(id); err != nil {
		return err
	}
	return tx.dm.unloadContainers(items)
}

// UnloadAll drops all data of tx, including unsaved changes. New objects
// become invalid. The transaction must not have an active sub-transaction.
func (UnloadService) UnloadAll(ctx context.Context, tx *ClientTransaction) (err error) {
	if err := tx.checkUnloadAllowed(); err != nil {
		return err
	}
	ctx, obs := tx.observe(ctx, OperationUnload)
	defer func() { obs.end(ctx, err) }()
	return tx.dm.unloadAll()
}
