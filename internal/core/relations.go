package core

import (
	"context"
	"fmt"

	"relkeeper/pkg/domain"
)

func relatedID(o *DomainObject) domain.ObjectID {
	if o == nil {
		return domain.ObjectID{}
	}
	return o.id
}

func outOfSync(ep RelationEndPoint) error {
	def := ep.Definition()
	return domain.InvalidOperationf(
		"the %s is out of sync with the opposite property %s.%s; synchronize or unload it before modifying the relation",
		describeEndPoint(ep), def.OppositeClass, def.OppositeProperty)
}

// checkRealSynchronized resolves the sync state of rep, loading the virtual
// end point it is registered with when necessary.
func (tx *ClientTransaction) checkRealSynchronized(ctx context.Context, rep *realObjectEndPoint) error {
	if rep.sync == SyncUnknown {
		if oppID, ok := rep.originalOppositeEndPointID(); ok {
			if _, err := tx.dm.virtualEndPoint(ctx, oppID); err != nil {
				return err
			}
		}
	}
	if rep.sync == SyncUnsynchronized {
		return outOfSync(rep)
	}
	return nil
}

func checkVirtualSynchronized(ep virtualEndPoint) error {
	if !ep.isSynchronized() {
		return outOfSync(ep)
	}
	return nil
}

// relatedTarget validates an object about to be referenced through def.
func (tx *ClientTransaction) relatedTarget(ctx context.Context, def *domain.RelationEndPointDefinition, related *DomainObject) (domain.ObjectID, error) {
	if related == nil {
		return domain.ObjectID{}, nil
	}
	if err := tx.checkObject(related); err != nil {
		return domain.ObjectID{}, err
	}
	if related.id.Class != def.OppositeClass {
		return domain.ObjectID{}, domain.ArgumentError{
			Argument: "related",
			Message:  fmt.Sprintf("%s expects an object of class %s, got %s", def, def.OppositeClass, related.id),
		}
	}
	dc, err := tx.dm.container(ctx, related.id)
	if err != nil {
		return domain.ObjectID{}, err
	}
	if dc.State() == StateDeleted {
		return domain.ObjectID{}, domain.InvalidOperationf("object %s has been deleted and cannot be related through %s", related.id, def)
	}
	return related.id, nil
}

// liveContainer loads the container of obj and rejects deleted objects.
func (tx *ClientTransaction) liveContainer(ctx context.Context, obj *DomainObject) (*DataContainer, error) {
	dc, err := tx.dm.container(ctx, obj.id)
	if err != nil {
		return nil, err
	}
	if dc.State() == StateDeleted {
		return nil, domain.InvalidOperationf("object %s has been deleted and cannot be modified", obj.id)
	}
	return dc, nil
}

func (tx *ClientTransaction) beginModification(objs ...*DomainObject) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	for _, o := range objs {
		if o == nil {
			return domain.ArgumentError{Argument: "object", Message: "object must not be nil"}
		}
		if err := tx.checkObject(o); err != nil {
			return err
		}
	}
	return nil
}

// SetRelated sets the one-valued relation property of obj to related, keeping
// the opposite end points in sync. A nil related clears the relation.
func (tx *ClientTransaction) SetRelated(ctx context.Context, obj *DomainObject, property string, related *DomainObject) error {
	if err := tx.beginModification(obj); err != nil {
		return err
	}
	def, err := tx.dm.endPointDefinition(NewRelationEndPointID(obj.id, property))
	if err != nil {
		return err
	}
	switch {
	case def.IsCollection():
		return domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is a collection; use Collection to modify it", def)}
	case def.Virtual:
		return tx.setVirtualObject(ctx, obj, def, related)
	default:
		return tx.setForeignKey(ctx, obj, def, related)
	}
}

func (tx *ClientTransaction) setForeignKey(ctx context.Context, obj *DomainObject, def *domain.RelationEndPointDefinition, related *DomainObject) error {
	if _, err := tx.liveContainer(ctx, obj); err != nil {
		return err
	}
	newID, err := tx.relatedTarget(ctx, def, related)
	if err != nil {
		return err
	}
	rep := tx.dm.endPoints.real(NewRelationEndPointID(obj.id, def.Property))
	oldID := rep.OppositeObjectID()
	if oldID == newID {
		return nil
	}
	setFK := &realEndPointSetCommand{tx: tx, ep: rep, oldValue: oldID, newValue: newID}
	if !def.IsBidirectional() {
		return tx.execute(setFK)
	}
	if err := tx.checkRealSynchronized(ctx, rep); err != nil {
		return err
	}
	oldEP, err := tx.dm.oppositeVirtualEndPoint(ctx, def, oldID)
	if err != nil {
		return err
	}
	newEP, err := tx.dm.oppositeVirtualEndPoint(ctx, def, newID)
	if err != nil {
		return err
	}
	cmds := []command{setFK}
	if oldEP != nil {
		switch ep := oldEP.(type) {
		case *collectionEndPoint:
			if err := checkVirtualSynchronized(ep); err != nil {
				return err
			}
			cmds = append(cmds, &collectionRemoveCommand{tx: tx, ep: ep, item: obj.id})
		case *virtualObjectEndPoint:
			if err := checkVirtualSynchronized(ep); err != nil {
				return err
			}
			cmds = append(cmds, &virtualObjectSetCommand{tx: tx, ep: ep, oldValue: obj.id})
		}
	}
	if newEP != nil {
		switch ep := newEP.(type) {
		case *collectionEndPoint:
			cmds = append(cmds, &collectionInsertCommand{tx: tx, ep: ep, index: len(ep.keeper.current), item: obj.id, rep: rep})
		case *virtualObjectEndPoint:
			if err := checkVirtualSynchronized(ep); err != nil {
				return err
			}
			prev := ep.OppositeObjectID()
			cmds = append(cmds, &virtualObjectSetCommand{tx: tx, ep: ep, oldValue: prev, newValue: obj.id, newRep: rep})
			if !prev.IsZero() {
				prevRep := tx.dm.endPoints.real(NewRelationEndPointID(prev, def.Property))
				if prevRep == nil {
					return fmt.Errorf("foreign key end point of %s is not registered", prev)
				}
				if err := tx.checkRealSynchronized(ctx, prevRep); err != nil {
					return err
				}
				cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: prevRep, oldValue: newID})
			}
		}
	}
	return tx.execute(cmds...)
}

func (tx *ClientTransaction) setVirtualObject(ctx context.Context, obj *DomainObject, def *domain.RelationEndPointDefinition, related *DomainObject) error {
	if _, err := tx.liveContainer(ctx, obj); err != nil {
		return err
	}
	ep, err := tx.dm.virtualObjectEndPoint(ctx, NewRelationEndPointID(obj.id, def.Property))
	if err != nil {
		return err
	}
	if err := checkVirtualSynchronized(ep); err != nil {
		return err
	}
	newID, err := tx.relatedTarget(ctx, def, related)
	if err != nil {
		return err
	}
	oldID := ep.OppositeObjectID()
	if oldID == newID {
		return nil
	}
	setVirtual := &virtualObjectSetCommand{tx: tx, ep: ep, oldValue: oldID, newValue: newID}
	cmds := []command{setVirtual}
	if !newID.IsZero() {
		newRep := tx.dm.endPoints.real(NewRelationEndPointID(newID, def.OppositeProperty))
		if err := tx.checkRealSynchronized(ctx, newRep); err != nil {
			return err
		}
		setVirtual.newRep = newRep
		prevOwner := newRep.OppositeObjectID()
		cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: newRep, oldValue: prevOwner, newValue: obj.id})
		if !prevOwner.IsZero() {
			prevEP, err := tx.dm.virtualObjectEndPoint(ctx, NewRelationEndPointID(prevOwner, def.Property))
			if err != nil {
				return err
			}
			if err := checkVirtualSynchronized(prevEP); err != nil {
				return err
			}
			cmds = append(cmds, &virtualObjectSetCommand{tx: tx, ep: prevEP, oldValue: newID})
		}
	}
	if !oldID.IsZero() {
		oldRep := tx.dm.endPoints.real(NewRelationEndPointID(oldID, def.OppositeProperty))
		if oldRep == nil {
			return fmt.Errorf("foreign key end point of %s is not registered", oldID)
		}
		cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: oldRep, oldValue: obj.id})
	}
	return tx.execute(cmds...)
}

// insertIntoCollection adds item at index and moves it out of its previous
// collection.
func (tx *ClientTransaction) insertIntoCollection(ctx context.Context, ep *collectionEndPoint, index int, item *DomainObject) error {
	if index < 0 || index > len(ep.keeper.current) {
		return domain.ArgumentError{Argument: "index", Message: fmt.Sprintf("index %d is out of range for %s with %d items", index, ep.def, len(ep.keeper.current))}
	}
	itemID, err := tx.relatedTarget(ctx, ep.def, item)
	if err != nil {
		return err
	}
	if itemID.IsZero() {
		return domain.ArgumentError{Argument: "item", Message: "item must not be nil"}
	}
	if ep.contains(itemID) {
		return domain.ArgumentError{Argument: "item", Message: fmt.Sprintf("%s already contains %s", ep.id, itemID)}
	}
	rep := tx.dm.endPoints.real(NewRelationEndPointID(itemID, ep.def.OppositeProperty))
	if err := tx.checkRealSynchronized(ctx, rep); err != nil {
		return err
	}
	owner := ep.id.Object
	prevOwner := rep.OppositeObjectID()
	cmds := []command{
		&collectionInsertCommand{tx: tx, ep: ep, index: index, item: itemID, rep: rep},
		&realEndPointSetCommand{tx: tx, ep: rep, oldValue: prevOwner, newValue: owner},
	}
	if !prevOwner.IsZero() {
		prev, err := tx.dm.collectionEndPoint(ctx, NewRelationEndPointID(prevOwner, ep.def.Property))
		if err != nil {
			return err
		}
		if err := checkVirtualSynchronized(prev); err != nil {
			return err
		}
		cmds = append(cmds, &collectionRemoveCommand{tx: tx, ep: prev, item: itemID})
	}
	return tx.execute(cmds...)
}

func (tx *ClientTransaction) removeFromCollection(ep *collectionEndPoint, item *DomainObject) (bool, error) {
	if err := checkVirtualSynchronized(ep); err != nil {
		return false, err
	}
	if item == nil || !ep.contains(item.id) {
		return false, nil
	}
	rep := ep.keeper.currentOpposites[item.id]
	if rep == nil {
		return false, fmt.Errorf("foreign key end point of %s is not registered", item.id)
	}
	err := tx.execute(
		&collectionRemoveCommand{tx: tx, ep: ep, item: item.id},
		&realEndPointSetCommand{tx: tx, ep: rep, oldValue: ep.id.Object},
	)
	return err == nil, err
}

func (tx *ClientTransaction) replaceInCollection(ctx context.Context, ep *collectionEndPoint, index int, item *DomainObject) error {
	if err := checkVirtualSynchronized(ep); err != nil {
		return err
	}
	if index < 0 || index >= len(ep.keeper.current) {
		return domain.ArgumentError{Argument: "index", Message: fmt.Sprintf("index %d is out of range for %s with %d items", index, ep.def, len(ep.keeper.current))}
	}
	newID, err := tx.relatedTarget(ctx, ep.def, item)
	if err != nil {
		return err
	}
	if newID.IsZero() {
		return domain.ArgumentError{Argument: "item", Message: "item must not be nil"}
	}
	oldID := ep.keeper.current[index]
	if oldID == newID {
		return nil
	}
	if ep.contains(newID) {
		return domain.ArgumentError{Argument: "item", Message: fmt.Sprintf("%s already contains %s", ep.id, newID)}
	}
	newRep := tx.dm.endPoints.real(NewRelationEndPointID(newID, ep.def.OppositeProperty))
	if err := tx.checkRealSynchronized(ctx, newRep); err != nil {
		return err
	}
	oldRep := ep.keeper.currentOpposites[oldID]
	if oldRep == nil {
		return fmt.Errorf("foreign key end point of %s is not registered", oldID)
	}
	owner := ep.id.Object
	prevOwner := newRep.OppositeObjectID()
	cmds := []command{
		&collectionReplaceCommand{tx: tx, ep: ep, index: index, oldItem: oldID, newItem: newID, newRep: newRep},
		&realEndPointSetCommand{tx: tx, ep: newRep, oldValue: prevOwner, newValue: owner},
	}
	if !prevOwner.IsZero() {
		prev, err := tx.dm.collectionEndPoint(ctx, NewRelationEndPointID(prevOwner, ep.def.Property))
		if err != nil {
			return err
		}
		if err := checkVirtualSynchronized(prev); err != nil {
			return err
		}
		cmds = append(cmds, &collectionRemoveCommand{tx: tx, ep: prev, item: newID})
	}
	cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: oldRep, oldValue: owner})
	return tx.execute(cmds...)
}

func (tx *ClientTransaction) replaceCollection(ctx context.Context, ep *collectionEndPoint, items []*DomainObject) error {
	if err := checkVirtualSynchronized(ep); err != nil {
		return err
	}
	newIDs := make([]domain.ObjectID, 0, len(items))
	seen := make(map[domain.ObjectID]struct{}, len(items))
	for _, item := range items {
		if item == nil {
			return domain.ArgumentError{Argument: "items", Message: "items must not contain nil"}
		}
		id, err := tx.relatedTarget(ctx, ep.def, item)
		if err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return domain.ArgumentError{Argument: "items", Message: fmt.Sprintf("%s appears more than once", id)}
		}
		seen[id] = struct{}{}
		newIDs = append(newIDs, id)
	}
	current := ep.keeper.current
	if equalIDs(current, newIDs) {
		return nil
	}
	owner := ep.id.Object
	reps := make(map[domain.ObjectID]*realObjectEndPoint, len(newIDs))
	var removed, added []domain.ObjectID
	for _, id := range current {
		if _, keep := seen[id]; !keep {
			removed = append(removed, id)
		}
	}
	var tail []command
	for _, id := range newIDs {
		if ep.contains(id) {
			reps[id] = ep.keeper.currentOpposites[id]
			continue
		}
		added = append(added, id)
		rep := tx.dm.endPoints.real(NewRelationEndPointID(id, ep.def.OppositeProperty))
		if err := tx.checkRealSynchronized(ctx, rep); err != nil {
			return err
		}
		reps[id] = rep
		prevOwner := rep.OppositeObjectID()
		tail = append(tail, &realEndPointSetCommand{tx: tx, ep: rep, oldValue: prevOwner, newValue: owner})
		if !prevOwner.IsZero() {
			prev, err := tx.dm.collectionEndPoint(ctx, NewRelationEndPointID(prevOwner, ep.def.Property))
			if err != nil {
				return err
			}
			if err := checkVirtualSynchronized(prev); err != nil {
				return err
			}
			tail = append(tail, &collectionRemoveCommand{tx: tx, ep: prev, item: id})
		}
	}
	for _, id := range removed {
		rep := ep.keeper.currentOpposites[id]
		if rep == nil {
			return fmt.Errorf("foreign key end point of %s is not registered", id)
		}
		tail = append(tail, &realEndPointSetCommand{tx: tx, ep: rep, oldValue: owner})
	}
	cmds := append([]command{&collectionReplaceAllCommand{tx: tx, ep: ep, items: newIDs, removed: removed, added: added, reps: reps}}, tail...)
	return tx.execute(cmds...)
}

func equalIDs(a, b []domain.ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Delete marks obj as deleted and clears all of its relations. A New object
// becomes Invalid immediately.
func (tx *ClientTransaction) Delete(ctx context.Context, obj *DomainObject) error {
	if err := tx.beginModification(obj); err != nil {
		return err
	}
	dc, err := tx.dm.container(ctx, obj.id)
	if err != nil {
		return err
	}
	if dc.State() == StateDeleted {
		return domain.InvalidOperationf("object %s has already been deleted", obj.id)
	}
	cmds := []command{&objectDeletingCommand{tx: tx, obj: obj}}
	for _, def := range dc.Class().EndPoints() {
		id := NewRelationEndPointID(obj.id, def.Property)
		switch {
		case !def.Virtual:
			more, err := tx.deleteForeignKeyCommands(ctx, def, id)
			if err != nil {
				return err
			}
			cmds = append(cmds, more...)
		case def.IsCollection():
			ep, err := tx.dm.collectionEndPoint(ctx, id)
			if err != nil {
				return err
			}
			if err := checkDeletable(ep); err != nil {
				return err
			}
			for _, item := range ep.keeper.current {
				cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: ep.keeper.currentOpposites[item], oldValue: obj.id})
			}
			cmds = append(cmds, &silentCollectionClearCommand{ep: ep})
		default:
			ep, err := tx.dm.virtualObjectEndPoint(ctx, id)
			if err != nil {
				return err
			}
			if err := checkDeletable(ep); err != nil {
				return err
			}
			if cur := ep.OppositeObjectID(); !cur.IsZero() {
				rep := tx.dm.endPoints.real(NewRelationEndPointID(cur, def.OppositeProperty))
				cmds = append(cmds,
					&realEndPointSetCommand{tx: tx, ep: rep, oldValue: obj.id},
					&virtualObjectSetCommand{tx: tx, ep: ep, oldValue: cur, silent: true})
			}
		}
	}
	cmds = append(cmds, &objectDeletedCommand{tx: tx, obj: obj, dc: dc})
	return tx.execute(cmds...)
}

func (tx *ClientTransaction) deleteForeignKeyCommands(ctx context.Context, def *domain.RelationEndPointDefinition, id RelationEndPointID) ([]command, error) {
	rep := tx.dm.endPoints.real(id)
	target := rep.OppositeObjectID()
	var cmds []command
	if def.IsBidirectional() {
		if err := tx.checkRealSynchronized(ctx, rep); err != nil {
			return nil, err
		}
		opp, err := tx.dm.oppositeVirtualEndPoint(ctx, def, target)
		if err != nil {
			return nil, err
		}
		switch ep := opp.(type) {
		case *collectionEndPoint:
			if err := checkVirtualSynchronized(ep); err != nil {
				return nil, err
			}
			cmds = append(cmds, &collectionRemoveCommand{tx: tx, ep: ep, item: id.Object})
		case *virtualObjectEndPoint:
			if err := checkVirtualSynchronized(ep); err != nil {
				return nil, err
			}
			cmds = append(cmds, &virtualObjectSetCommand{tx: tx, ep: ep, oldValue: id.Object})
		}
	}
	if !target.IsZero() {
		cmds = append(cmds, &realEndPointSetCommand{tx: tx, ep: rep, oldValue: target, silent: true})
	}
	return cmds, nil
}

// checkDeletable rejects deleting the owner of a virtual end point whose data
// disagrees with the foreign keys in memory.
func checkDeletable(ep virtualEndPoint) error {
	if !ep.isSynchronized() || len(ep.unsynchronizedOpposites()) > 0 {
		return domain.InvalidOperationf(
			"the owner of the %s cannot be deleted because the relation is out of sync; synchronize or unload it first",
			describeEndPoint(ep))
	}
	return nil
}
