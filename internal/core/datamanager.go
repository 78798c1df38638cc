package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"relkeeper/pkg/domain"
)

// DataManager owns the DataContainers, the invalid-object set and the
// relation end points of one transaction.
type DataManager struct {
	tx         *ClientTransaction
	mapping    *domain.Mapping
	containers map[domain.ObjectID]*DataContainer
	invalid    map[domain.ObjectID]struct{}
	endPoints  *relationEndPointManager
}

func newDataManager(tx *ClientTransaction, mapping *domain.Mapping) *DataManager {
	dm := &DataManager{
		tx:         tx,
		mapping:    mapping,
		containers: make(map[domain.ObjectID]*DataContainer),
		invalid:    make(map[domain.ObjectID]struct{}),
	}
	dm.endPoints = newRelationEndPointManager(mapping, dm.isLoaded)
	return dm
}

// DataContainer returns the loaded container of id.
func (dm *DataManager) DataContainer(id domain.ObjectID) (*DataContainer, bool) {
	dc, ok := dm.containers[id]
	return dc, ok
}

// EndPoint returns the registered end point with id.
func (dm *DataManager) EndPoint(id RelationEndPointID) (RelationEndPoint, bool) {
	ep := dm.endPoints.get(id)
	return ep, ep != nil
}

// LoadedObjectIDs returns the ids of all loaded containers in id order.
func (dm *DataManager) LoadedObjectIDs() []domain.ObjectID {
	ids := make([]domain.ObjectID, 0, len(dm.containers))
	for id := range dm.containers {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, domain.CompareObjectIDs)
	return ids
}

func (dm *DataManager) isLoaded(id domain.ObjectID) bool {
	_, ok := dm.containers[id]
	return ok
}

func (dm *DataManager) isInvalid(id domain.ObjectID) bool {
	_, ok := dm.invalid[id]
	return ok
}

func (dm *DataManager) markInvalid(id domain.ObjectID) {
	dm.invalid[id] = struct{}{}
}

func (dm *DataManager) objectState(id domain.ObjectID) ObjectState {
	if dm.isInvalid(id) {
		return ObjectInvalid
	}
	dc, ok := dm.containers[id]
	if !ok {
		return ObjectNotLoadedYet
	}
	switch dc.State() {
	case StateNew:
		return ObjectNew
	case StateDeleted:
		return ObjectDeleted
	case StateDiscarded:
		return ObjectInvalid
	case StateChanged:
		return ObjectChanged
	default:
		if dm.endPoints.hasChangedVirtualEndPoints(id) {
			return ObjectChanged
		}
		return ObjectUnchanged
	}
}

func (dm *DataManager) registerNewContainer(dc *DataContainer) {
	dm.containers[dc.ID()] = dc
	dm.endPoints.registerNew(dc)
}

func (dm *DataManager) checkClass(id domain.ObjectID) (*domain.ClassDefinition, error) {
	return dm.mapping.MustClass(id.Class)
}

// ensureLoaded loads every id that is neither loaded nor invalid in a single
// strategy call. It returns the ids the strategy could not find; those are
// marked invalid.
func (dm *DataManager) ensureLoaded(ctx context.Context, ids []domain.ObjectID) ([]domain.ObjectID, error) {
	seen := make(map[domain.ObjectID]struct{}, len(ids))
	var toLoad []domain.ObjectID
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if dm.isLoaded(id) || dm.isInvalid(id) {
			continue
		}
		if _, err := dm.checkClass(id); err != nil {
			return nil, err
		}
		toLoad = append(toLoad, id)
	}
	if len(toLoad) == 0 {
		return nil, nil
	}
	ctx, obs := dm.tx.observe(ctx, OperationLoad)
	notFound, err := dm.load(ctx, toLoad)
	obs.end(ctx, err)
	return notFound, err
}

func (dm *DataManager) load(ctx context.Context, ids []domain.ObjectID) ([]domain.ObjectID, error) {
	data, err := dm.tx.strategy.LoadObjectData(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(data) != len(ids) {
		return nil, fmt.Errorf("persistence strategy returned %d entries for %d ids", len(data), len(ids))
	}
	var found []ObjectData
	var notFound []domain.ObjectID
	for i, d := range data {
		if d.ID != ids[i] {
			return nil, fmt.Errorf("persistence strategy returned %s at position %d, expected %s", d.ID, i, ids[i])
		}
		if d.Found {
			found = append(found, d)
		} else {
			notFound = append(notFound, d.ID)
		}
	}
	if err := dm.registerLoaded(found); err != nil {
		return nil, err
	}
	if len(notFound) > 0 {
		for _, id := range notFound {
			dm.markInvalid(id)
		}
		dm.tx.events.objectsNotFound(dm.tx, notFound)
		dm.tx.logger.Debug("objects not found", "transaction", dm.tx.id, "ids", len(notFound))
	}
	return notFound, nil
}

// registerLoaded turns loaded data into Unchanged containers. Objects that are
// already loaded or invalid are skipped; in-memory state wins.
func (dm *DataManager) registerLoaded(data []ObjectData) error {
	var fresh []ObjectData
	for _, d := range data {
		if dm.isLoaded(d.ID) || dm.isInvalid(d.ID) {
			continue
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return nil
	}
	ids := make([]domain.ObjectID, len(fresh))
	for i, d := range fresh {
		ids[i] = d.ID
	}
	if err := dm.tx.events.objectsLoading(dm.tx, ids); err != nil {
		return err
	}
	containers := make([]*DataContainer, 0, len(fresh))
	for _, d := range fresh {
		class, err := dm.checkClass(d.ID)
		if err != nil {
			return err
		}
		dc, err := newDataContainerForExistingObject(class, d.ID, d.Timestamp, d.Values)
		if err != nil {
			return err
		}
		containers = append(containers, dc)
	}
	for _, dc := range containers {
		dm.containers[dc.ID()] = dc
		dm.endPoints.registerExisting(dc)
	}
	dm.tx.events.objectsLoaded(dm.tx, dm.tx.hie.objectsOf(ids))
	dm.tx.logger.Debug("objects loaded", "transaction", dm.tx.id, "count", len(ids))
	return nil
}

// container returns the container of id, loading it when necessary. An id
// the provider reported as not found is marked invalid and every later
// access in this transaction fails with InvalidOperationError instead of
// querying the provider again.
func (dm *DataManager) container(ctx context.Context, id domain.ObjectID) (*DataContainer, error) {
	if dm.isInvalid(id) {
		return nil, domain.InvalidOperationf("object %s is invalid in this transaction", id)
	}
	if dc, ok := dm.containers[id]; ok {
		return dc, nil
	}
	notFound, err := dm.ensureLoaded(ctx, []domain.ObjectID{id})
	if err != nil {
		return nil, err
	}
	if len(notFound) > 0 {
		return nil, domain.ObjectNotFoundError{IDs: notFound}
	}
	dc, ok := dm.containers[id]
	if !ok {
		return nil, domain.ObjectNotFoundError{IDs: []domain.ObjectID{id}}
	}
	return dc, nil
}

func (dm *DataManager) endPointDefinition(id RelationEndPointID) (*domain.RelationEndPointDefinition, error) {
	def, ok := dm.endPoints.definition(id)
	if !ok {
		return nil, domain.ArgumentError{
			Argument: "property",
			Message:  fmt.Sprintf("%s.%s is not a relation property", id.Object.Class, id.Property),
		}
	}
	return def, nil
}

func (dm *DataManager) realEndPoint(ctx context.Context, id RelationEndPointID) (*realObjectEndPoint, error) {
	def, err := dm.endPointDefinition(id)
	if err != nil {
		return nil, err
	}
	if def.Virtual {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s does not hold a foreign key", def)}
	}
	if _, err := dm.container(ctx, id.Object); err != nil {
		return nil, err
	}
	rep := dm.endPoints.real(id)
	if rep == nil {
		return nil, fmt.Errorf("foreign key end point %s is not registered", id)
	}
	return rep, nil
}

// virtualEndPoint returns the complete virtual end point with id, loading its
// owner and its data when necessary.
func (dm *DataManager) virtualEndPoint(ctx context.Context, id RelationEndPointID) (virtualEndPoint, error) {
	def, err := dm.endPointDefinition(id)
	if err != nil {
		return nil, err
	}
	if !def.Virtual {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s holds a foreign key", def)}
	}
	if _, err := dm.container(ctx, id.Object); err != nil {
		return nil, err
	}
	ep := dm.endPoints.getOrCreateVirtual(id, def)
	if err := dm.ensureComplete(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (dm *DataManager) collectionEndPoint(ctx context.Context, id RelationEndPointID) (*collectionEndPoint, error) {
	ep, err := dm.virtualEndPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	coll, ok := ep.(*collectionEndPoint)
	if !ok {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is not a collection property", ep.Definition())}
	}
	return coll, nil
}

func (dm *DataManager) virtualObjectEndPoint(ctx context.Context, id RelationEndPointID) (*virtualObjectEndPoint, error) {
	ep, err := dm.virtualEndPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	vo, ok := ep.(*virtualObjectEndPoint)
	if !ok {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is a collection property", ep.Definition())}
	}
	return vo, nil
}

// oppositeVirtualEndPoint returns the complete virtual end point target.def's
// opposite property, or nil when target is zero.
func (dm *DataManager) oppositeVirtualEndPoint(ctx context.Context, def *domain.RelationEndPointDefinition, target domain.ObjectID) (virtualEndPoint, error) {
	if target.IsZero() || !def.IsBidirectional() {
		return nil, nil
	}
	return dm.virtualEndPoint(ctx, NewRelationEndPointID(target, def.OppositeProperty))
}

func (dm *DataManager) ensureComplete(ctx context.Context, ep virtualEndPoint) error {
	if ep.IsDataComplete() {
		return nil
	}
	ctx, obs := dm.tx.observe(ctx, OperationLoadRelated)
	err := dm.loadVirtualEndPoint(ctx, ep)
	obs.end(ctx, err)
	return err
}

func (dm *DataManager) loadVirtualEndPoint(ctx context.Context, ep virtualEndPoint) error {
	data, err := dm.tx.strategy.LoadRelatedObjectData(ctx, ep.ID())
	if err != nil {
		return err
	}
	var found []ObjectData
	for _, d := range data {
		if d.Found {
			found = append(found, d)
		}
	}
	if !ep.Definition().IsCollection() && len(found) > 1 {
		ids := make([]domain.ObjectID, len(found))
		for i, d := range found {
			ids[i] = d.ID
		}
		conflict := domain.LoadConflictError{EndPoint: ep.ID().String(), Objects: ids}
		dm.tx.logger.Warn("relation load conflict", "transaction", dm.tx.id, "end_point", ep.ID().String(), "error", conflict)
		return conflict
	}
	if err := dm.registerLoaded(found); err != nil {
		return err
	}
	items := make([]domain.ObjectID, 0, len(found))
	for _, d := range found {
		if !dm.isInvalid(d.ID) {
			items = append(items, d.ID)
		}
	}
	if !ep.IsDataComplete() {
		ep.markDataComplete(items)
	}
	dm.tx.logger.Debug("relation loaded", "transaction", dm.tx.id, "end_point", ep.ID().String(), "items", len(items))
	return nil
}

// objectDataForSub exposes the current view of id to a sub-transaction.
func (dm *DataManager) objectDataForSub(id domain.ObjectID) ObjectData {
	dc, ok := dm.containers[id]
	if !ok || dm.isInvalid(id) {
		return ObjectData{ID: id}
	}
	switch dc.State() {
	case StateDeleted, StateDiscarded:
		return ObjectData{ID: id}
	}
	return ObjectData{ID: id, Found: true, Timestamp: dc.Timestamp(), Values: dc.CurrentValues()}
}

// commitCandidates returns the ids of all New, Changed and Deleted objects.
func (dm *DataManager) commitCandidates() []domain.ObjectID {
	var ids []domain.ObjectID
	for _, id := range dm.LoadedObjectIDs() {
		switch dm.objectState(id) {
		case ObjectNew, ObjectChanged, ObjectDeleted:
			ids = append(ids, id)
		}
	}
	return ids
}

func (dm *DataManager) persistableData(ids []domain.ObjectID) []PersistableData {
	out := make([]PersistableData, 0, len(ids))
	for _, id := range ids {
		state := dm.objectState(id)
		switch state {
		case ObjectNew, ObjectChanged, ObjectDeleted:
		default:
			continue
		}
		pd := PersistableData{Object: dm.tx.hie.object(id), State: state, Container: dm.containers[id]}
		for _, ep := range dm.endPoints.virtualEndPointsOf(id) {
			if ep.HasChanged() {
				pd.EndPoints = append(pd.EndPoints, ep)
			}
		}
		out = append(out, pd)
	}
	return out
}

// commit promotes the current state after a successful PersistData call.
func (dm *DataManager) commit(results []domain.SaveResult) {
	for _, res := range results {
		if dc, ok := dm.containers[res.ID]; ok {
			dc.timestamp = res.Timestamp
		}
	}
	for _, ep := range dm.endPoints.changedVirtualEndPoints() {
		ep.commit()
	}
	for _, id := range dm.LoadedObjectIDs() {
		dc := dm.containers[id]
		switch dc.State() {
		case StateDeleted:
			dm.discard(dc)
		case StateNew, StateChanged:
			dc.CommitState()
		}
	}
}

// rollback restores the original state; New objects become invalid.
func (dm *DataManager) rollback() {
	for _, ep := range dm.endPoints.changedVirtualEndPoints() {
		ep.rollback()
	}
	for _, id := range dm.LoadedObjectIDs() {
		dc := dm.containers[id]
		if dc.State() == StateNew {
			dm.discard(dc)
			continue
		}
		dc.RollbackState()
	}
}

func (dm *DataManager) discard(dc *DataContainer) {
	dm.endPoints.removeForDiscard(dc)
	delete(dm.containers, dc.ID())
	dm.markInvalid(dc.ID())
	dc.Discard()
}

// mergeFromSubTransaction applies the commit set of a sub-transaction to this
// transaction's current state. Objects new in the sub become New here.
func (dm *DataManager) mergeFromSubTransaction(data []PersistableData) ([]domain.SaveResult, error) {
	for _, d := range data {
		if d.State != ObjectNew {
			continue
		}
		class, err := dm.checkClass(d.Object.ID())
		if err != nil {
			return nil, err
		}
		dc := newDataContainerForNewObject(class, d.Object.ID())
		for name, v := range d.Container.CurrentValues() {
			dc.setValueUnchecked(name, v)
		}
		dm.registerNewContainer(dc)
	}
	for _, d := range data {
		if d.State != ObjectChanged && d.State != ObjectDeleted {
			continue
		}
		dc, ok := dm.containers[d.Object.ID()]
		if !ok {
			return nil, fmt.Errorf("object %s committed by sub-transaction is not loaded in its parent", d.Object.ID())
		}
		for name, v := range d.Container.CurrentValues() {
			dc.setValueUnchecked(name, v)
		}
		if d.Container.marked && !dc.isNew {
			dc.marked = true
		}
	}
	for _, d := range data {
		for _, sub := range d.EndPoints {
			ep := dm.endPoints.virtual(sub.ID())
			if ep == nil || !ep.IsDataComplete() {
				return nil, fmt.Errorf("end point %s committed by sub-transaction is not complete in its parent", sub.ID())
			}
			def := ep.Definition()
			ep.setCurrentData(sub.OppositeObjectIDs(), func(item domain.ObjectID) *realObjectEndPoint {
				return dm.endPoints.oppositeReal(def, item)
			})
		}
	}
	var results []domain.SaveResult
	for _, d := range data {
		id := d.Object.ID()
		dc := dm.containers[id]
		if d.State != ObjectDeleted {
			results = append(results, domain.SaveResult{ID: id, Timestamp: dc.Timestamp()})
			continue
		}
		if dc.isNew {
			dm.discard(dc)
			continue
		}
		if err := dc.Delete(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// checkUnload verifies that the containers of ids can be unloaded.
func (dm *DataManager) checkUnload(ids []domain.ObjectID) error {
	var blocked []string
	for _, id := range ids {
		dc, ok := dm.containers[id]
		if !ok {
			continue
		}
		if state := dm.objectState(id); state != ObjectUnchanged {
			blocked = append(blocked, fmt.Sprintf("'%s' (%s)", id, state))
			continue
		}
		if err := dm.endPoints.checkUnregister(dc); err != nil {
			return err
		}
		if sub := dm.tx.sub; sub != nil && sub.dm.isLoaded(id) {
			return domain.InvalidOperationf("object %s cannot be unloaded because it is still loaded in sub-transaction %s", id, sub.id)
		}
	}
	if len(blocked) > 0 {
		return domain.InvalidOperationf(
			"the state of the following objects prohibits that they be unloaded; only unchanged objects can be unloaded: %s",
			strings.Join(blocked, ", "))
	}
	return nil
}

// unloadContainers removes the containers of ids and their end points. Ids
// that are not loaded are ignored.
func (dm *DataManager) unloadContainers(ids []domain.ObjectID) error {
	var loaded []domain.ObjectID
	for _, id := range ids {
		if dm.isLoaded(id) && !slices.Contains(loaded, id) {
			loaded = append(loaded, id)
		}
	}
	if len(loaded) == 0 {
		return nil
	}
	if err := dm.checkUnload(loaded); err != nil {
		return err
	}
	objects := dm.tx.hie.objectsOf(loaded)
	if err := dm.tx.events.objectsUnloading(dm.tx, objects); err != nil {
		return err
	}
	for _, id := range loaded {
		dc := dm.containers[id]
		if err := dm.endPoints.unregisterForUnload(dc); err != nil {
			return err
		}
		delete(dm.containers, id)
	}
	dm.tx.events.objectsUnloaded(dm.tx, objects)
	dm.tx.logger.Debug("objects unloaded", "transaction", dm.tx.id, "count", len(loaded))
	return nil
}

// unloadVirtualEndPoint marks a complete, unchanged virtual end point
// incomplete.
func (dm *DataManager) unloadVirtualEndPoint(id RelationEndPointID) error {
	ep := dm.endPoints.virtual(id)
	if ep == nil || !ep.IsDataComplete() {
		return nil
	}
	if ep.HasChanged() {
		return domain.InvalidOperationf("the %s has been changed and cannot be unloaded", describeEndPoint(ep))
	}
	if sub := dm.tx.sub; sub != nil {
		if sep := sub.dm.endPoints.virtual(id); sep != nil && sep.IsDataComplete() {
			return domain.InvalidOperationf("the %s is still loaded in sub-transaction %s", describeEndPoint(ep), sub.id)
		}
	}
	if err := ep.markDataIncomplete(); err != nil {
		return err
	}
	dm.endPoints.dropIfOrphaned(ep, domain.ObjectID{})
	return nil
}

// unloadAll drops every container and end point, discarding unsaved changes.
// New objects become invalid.
func (dm *DataManager) unloadAll() error {
	if sub := dm.tx.sub; sub != nil {
		return domain.InvalidOperationf("transaction %s cannot be unloaded while sub-transaction %s is active", dm.tx.id, sub.id)
	}
	ids := dm.LoadedObjectIDs()
	objects := dm.tx.hie.objectsOf(ids)
	if len(objects) > 0 {
		if err := dm.tx.events.objectsUnloading(dm.tx, objects); err != nil {
			return err
		}
	}
	for _, id := range ids {
		dc := dm.containers[id]
		if dc.isNew {
			dm.markInvalid(id)
			dc.Discard()
		}
		delete(dm.containers, id)
	}
	dm.endPoints.clear()
	if len(objects) > 0 {
		dm.tx.events.objectsUnloaded(dm.tx, objects)
	}
	dm.tx.logger.Debug("transaction data unloaded", "transaction", dm.tx.id, "count", len(ids))
	return nil
}
