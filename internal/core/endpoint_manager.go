package core

import (
	"slices"

	"relkeeper/pkg/domain"
)

// relationEndPointManager owns the end point map of one transaction.
type relationEndPointManager struct {
	mapping   *domain.Mapping
	endPoints map[RelationEndPointID]RelationEndPoint
	isLoaded  func(domain.ObjectID) bool
}

func newRelationEndPointManager(mapping *domain.Mapping, isLoaded func(domain.ObjectID) bool) *relationEndPointManager {
	return &relationEndPointManager{
		mapping:   mapping,
		endPoints: make(map[RelationEndPointID]RelationEndPoint),
		isLoaded:  isLoaded,
	}
}

func (m *relationEndPointManager) definition(id RelationEndPointID) (*domain.RelationEndPointDefinition, bool) {
	class, ok := m.mapping.Class(id.Object.Class)
	if !ok {
		return nil, false
	}
	return class.EndPoint(id.Property)
}

func (m *relationEndPointManager) get(id RelationEndPointID) RelationEndPoint {
	return m.endPoints[id]
}

func (m *relationEndPointManager) real(id RelationEndPointID) *realObjectEndPoint {
	rep, _ := m.endPoints[id].(*realObjectEndPoint)
	return rep
}

func (m *relationEndPointManager) virtual(id RelationEndPointID) virtualEndPoint {
	ep, _ := m.endPoints[id].(virtualEndPoint)
	return ep
}

// oppositeReal returns the foreign key end point of item for the relation
// whose virtual side is def.
func (m *relationEndPointManager) oppositeReal(def *domain.RelationEndPointDefinition, item domain.ObjectID) *realObjectEndPoint {
	return m.real(NewRelationEndPointID(item, def.OppositeProperty))
}

func (m *relationEndPointManager) getOrCreateVirtual(id RelationEndPointID, def *domain.RelationEndPointDefinition) virtualEndPoint {
	if ep := m.virtual(id); ep != nil {
		return ep
	}
	var ep virtualEndPoint
	if def.IsCollection() {
		ep = newCollectionEndPoint(id, def)
	} else {
		ep = newVirtualObjectEndPoint(id, def)
	}
	m.endPoints[id] = ep
	return ep
}

// registerNew creates the end points of a new object. Its virtual end points
// start complete and empty.
func (m *relationEndPointManager) registerNew(dc *DataContainer) {
	for _, def := range dc.Class().EndPoints() {
		if !def.Virtual {
			m.endPoints[NewRelationEndPointID(dc.ID(), def.Property)] = newRealObjectEndPoint(def, dc)
			continue
		}
		id := NewRelationEndPointID(dc.ID(), def.Property)
		ep := m.getOrCreateVirtual(id, def)
		if !ep.IsDataComplete() {
			ep.markDataComplete(nil)
		}
	}
}

// registerExisting creates the foreign key end points of a loaded object and
// registers them with the virtual end point their original value points at.
// Virtual end points of the object are created lazily.
func (m *relationEndPointManager) registerExisting(dc *DataContainer) {
	for _, def := range dc.Class().EndPoints() {
		if def.Virtual {
			continue
		}
		rep := newRealObjectEndPoint(def, dc)
		m.endPoints[rep.id] = rep
		oppID, ok := rep.originalOppositeEndPointID()
		if !ok {
			continue
		}
		oppDef, ok := m.mapping.OppositeEndPoint(def)
		if !ok {
			continue
		}
		m.getOrCreateVirtual(oppID, oppDef).registerOriginalOpposite(rep)
	}
}

func (m *relationEndPointManager) realEndPointsOf(dc *DataContainer) []*realObjectEndPoint {
	var out []*realObjectEndPoint
	for _, def := range dc.Class().EndPoints() {
		if def.Virtual {
			continue
		}
		if rep := m.real(NewRelationEndPointID(dc.ID(), def.Property)); rep != nil {
			out = append(out, rep)
		}
	}
	return out
}

func (m *relationEndPointManager) virtualEndPointsOf(id domain.ObjectID) []virtualEndPoint {
	class, ok := m.mapping.Class(id.Class)
	if !ok {
		return nil
	}
	var out []virtualEndPoint
	for _, def := range class.EndPoints() {
		if !def.Virtual {
			continue
		}
		if ep := m.virtual(NewRelationEndPointID(id, def.Property)); ep != nil {
			out = append(out, ep)
		}
	}
	return out
}

func (m *relationEndPointManager) hasChangedVirtualEndPoints(id domain.ObjectID) bool {
	for _, ep := range m.virtualEndPointsOf(id) {
		if ep.HasChanged() {
			return true
		}
	}
	return false
}

// changedVirtualEndPoints returns all complete virtual end points with a
// delta, ordered by id.
func (m *relationEndPointManager) changedVirtualEndPoints() []virtualEndPoint {
	var out []virtualEndPoint
	for _, ep := range m.endPoints {
		if v, ok := ep.(virtualEndPoint); ok && v.HasChanged() {
			out = append(out, v)
		}
	}
	sortEndPoints(out)
	return out
}

func (m *relationEndPointManager) completeVirtualEndPoints() []virtualEndPoint {
	var out []virtualEndPoint
	for _, ep := range m.endPoints {
		if v, ok := ep.(virtualEndPoint); ok && v.IsDataComplete() {
			out = append(out, v)
		}
	}
	sortEndPoints(out)
	return out
}

// checkUnregister verifies that the end points of dc can be removed without
// discarding unsaved relation changes.
func (m *relationEndPointManager) checkUnregister(dc *DataContainer) error {
	for _, rep := range m.realEndPointsOf(dc) {
		oppID, ok := rep.originalOppositeEndPointID()
		if !ok {
			continue
		}
		opp := m.virtual(oppID)
		if opp == nil || !opp.IsDataComplete() || rep.sync != SyncSynchronized {
			continue
		}
		if opp.HasChanged() {
			return domain.InvalidOperationf(
				"object %s cannot be unloaded because the opposite %s has been changed", dc.ID(), describeEndPoint(opp))
		}
	}
	for _, ep := range m.virtualEndPointsOf(dc.ID()) {
		if ep.HasChanged() {
			return domain.InvalidOperationf("object %s cannot be unloaded because its %s has been changed", dc.ID(), describeEndPoint(ep))
		}
	}
	return nil
}

// unregisterForUnload removes the end points of dc. Complete opposite end
// points that referenced dc become incomplete; own virtual end points that
// still have registered opposites stay as incomplete placeholders.
func (m *relationEndPointManager) unregisterForUnload(dc *DataContainer) error {
	for _, rep := range m.realEndPointsOf(dc) {
		if oppID, ok := rep.originalOppositeEndPointID(); ok {
			if opp := m.virtual(oppID); opp != nil {
				if err := opp.unregisterOriginalOpposite(rep); err != nil {
					return err
				}
				m.dropIfOrphaned(opp, dc.ID())
			}
		}
		delete(m.endPoints, rep.id)
	}
	for _, ep := range m.virtualEndPointsOf(dc.ID()) {
		if !ep.hasRegisteredOpposites() {
			delete(m.endPoints, ep.ID())
			continue
		}
		if err := ep.markDataIncomplete(); err != nil {
			return err
		}
	}
	return nil
}

// dropIfOrphaned removes an incomplete virtual end point that no longer has a
// loaded owner or a registered opposite.
func (m *relationEndPointManager) dropIfOrphaned(ep virtualEndPoint, unloading domain.ObjectID) {
	owner := ep.ID().Object
	if ep.IsDataComplete() || ep.hasRegisteredOpposites() {
		return
	}
	if owner != unloading && m.isLoaded(owner) {
		return
	}
	delete(m.endPoints, ep.ID())
}

// removeForDiscard drops all end points of a discarded container without any
// state transitions on the opposite end points.
func (m *relationEndPointManager) removeForDiscard(dc *DataContainer) {
	for _, rep := range m.realEndPointsOf(dc) {
		for _, oppID := range m.candidateOpposites(rep) {
			if opp := m.virtual(oppID); opp != nil {
				opp.forgetOpposite(rep)
				m.dropIfOrphaned(opp, dc.ID())
			}
		}
		delete(m.endPoints, rep.id)
	}
	for _, ep := range m.virtualEndPointsOf(dc.ID()) {
		delete(m.endPoints, ep.ID())
	}
}

func (m *relationEndPointManager) candidateOpposites(rep *realObjectEndPoint) []RelationEndPointID {
	if !rep.def.IsBidirectional() {
		return nil
	}
	var out []RelationEndPointID
	for _, target := range []domain.ObjectID{rep.OriginalOppositeObjectID(), rep.OppositeObjectID()} {
		if target.IsZero() {
			continue
		}
		id := NewRelationEndPointID(target, rep.def.OppositeProperty)
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (m *relationEndPointManager) clear() {
	m.endPoints = make(map[RelationEndPointID]RelationEndPoint)
}

func sortEndPoints(eps []virtualEndPoint) {
	slices.SortFunc(eps, func(a, b virtualEndPoint) int {
		if c := domain.CompareObjectIDs(a.ID().Object, b.ID().Object); c != 0 {
			return c
		}
		switch {
		case a.ID().Property < b.ID().Property:
			return -1
		case a.ID().Property > b.ID().Property:
			return 1
		default:
			return 0
		}
	})
}
