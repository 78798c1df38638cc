package core

import (
	"fmt"
	"slices"

	"relkeeper/pkg/domain"
)

// RelationEndPointID identifies one side of a relation of one object.
type RelationEndPointID struct {
	Object   domain.ObjectID
	Property string
}

// NewRelationEndPointID builds the id of object's relation property.
func NewRelationEndPointID(object domain.ObjectID, property string) RelationEndPointID {
	return RelationEndPointID{Object: object, Property: property}
}

func (id RelationEndPointID) String() string {
	return id.Object.String() + "/" + id.Property
}

// LoadState tells whether a virtual end point has resolved its opposite data.
type LoadState int

// Load states.
const (
	LoadIncomplete LoadState = iota
	LoadComplete
)

func (s LoadState) String() string {
	if s == LoadComplete {
		return "Complete"
	}
	return "Incomplete"
}

// SyncState describes whether both sides of a bidirectional relation agree.
type SyncState int

// Sync states. Unknown means the state cannot be determined without loading.
const (
	SyncUnknown SyncState = iota
	SyncSynchronized
	SyncUnsynchronized
)

func (s SyncState) String() string {
	switch s {
	case SyncSynchronized:
		return "Synchronized"
	case SyncUnsynchronized:
		return "Unsynchronized"
	default:
		return "Unknown"
	}
}

// RelationEndPoint is the read-only view shared by all end point kinds.
type RelationEndPoint interface {
	ID() RelationEndPointID
	Definition() *domain.RelationEndPointDefinition
	IsDataComplete() bool
	HasChanged() bool
	// OppositeObjectIDs returns the current opposite objects. Incomplete end
	// points return nil.
	OppositeObjectIDs() []domain.ObjectID
	OriginalOppositeObjectIDs() []domain.ObjectID
}

// realObjectEndPoint is the foreign key side of a relation. Its values live in
// the owning DataContainer.
type realObjectEndPoint struct {
	id        RelationEndPointID
	def       *domain.RelationEndPointDefinition
	container *DataContainer
	sync      SyncState
}

func newRealObjectEndPoint(def *domain.RelationEndPointDefinition, dc *DataContainer) *realObjectEndPoint {
	rep := &realObjectEndPoint{id: NewRelationEndPointID(dc.ID(), def.Property), def: def, container: dc}
	if !def.IsBidirectional() || dc.originalReference(def.Property).IsZero() {
		rep.sync = SyncSynchronized
	}
	return rep
}

func (e *realObjectEndPoint) ID() RelationEndPointID                         { return e.id }
func (e *realObjectEndPoint) Definition() *domain.RelationEndPointDefinition { return e.def }
func (e *realObjectEndPoint) IsDataComplete() bool                           { return true }
func (e *realObjectEndPoint) HasChanged() bool                               { return e.container.HasValueChanged(e.def.Property) }

func (e *realObjectEndPoint) OppositeObjectID() domain.ObjectID {
	return e.container.reference(e.def.Property)
}

func (e *realObjectEndPoint) OriginalOppositeObjectID() domain.ObjectID {
	return e.container.originalReference(e.def.Property)
}

func (e *realObjectEndPoint) OppositeObjectIDs() []domain.ObjectID {
	return idList(e.OppositeObjectID())
}

func (e *realObjectEndPoint) OriginalOppositeObjectIDs() []domain.ObjectID {
	return idList(e.OriginalOppositeObjectID())
}

func (e *realObjectEndPoint) setOppositeObjectID(id domain.ObjectID) {
	if id.IsZero() {
		e.container.setValueUnchecked(e.def.Property, nil)
		return
	}
	e.container.setValueUnchecked(e.def.Property, id)
}

// originalOppositeEndPointID is the id of the virtual end point this end point
// registers with.
func (e *realObjectEndPoint) originalOppositeEndPointID() (RelationEndPointID, bool) {
	target := e.OriginalOppositeObjectID()
	if target.IsZero() || !e.def.IsBidirectional() {
		return RelationEndPointID{}, false
	}
	return NewRelationEndPointID(target, e.def.OppositeProperty), true
}

func idList(id domain.ObjectID) []domain.ObjectID {
	if id.IsZero() {
		return nil
	}
	return []domain.ObjectID{id}
}

// virtualEndPoint is implemented by the end points that do not hold the
// foreign key: virtual one-to-one end points and collection end points.
type virtualEndPoint interface {
	RelationEndPoint
	LoadState() LoadState
	registerOriginalOpposite(rep *realObjectEndPoint)
	unregisterOriginalOpposite(rep *realObjectEndPoint) error
	forgetOpposite(rep *realObjectEndPoint)
	hasRegisteredOpposites() bool
	markDataComplete(items []domain.ObjectID)
	markDataIncomplete() error
	isSynchronized() bool
	unsynchronizedOpposites() []*realObjectEndPoint
	synchronize()
	synchronizeOpposite(rep *realObjectEndPoint) error
	setCurrentData(items []domain.ObjectID, opposite func(domain.ObjectID) *realObjectEndPoint)
	commit()
	rollback()
}

// virtualObjectEndPoint is the virtual side of a one-to-one relation.
type virtualObjectEndPoint struct {
	id         RelationEndPointID
	def        *domain.RelationEndPointDefinition
	registered map[domain.ObjectID]*realObjectEndPoint
	unsynced   map[domain.ObjectID]*realObjectEndPoint
	keeper     *virtualObjectDataKeeper
}

// virtualObjectDataKeeper holds the resolved data of a complete virtual
// one-to-one end point.
type virtualObjectDataKeeper struct {
	original         domain.ObjectID
	current          domain.ObjectID
	originalOpposite *realObjectEndPoint
	currentOpposite  *realObjectEndPoint
}

func newVirtualObjectEndPoint(id RelationEndPointID, def *domain.RelationEndPointDefinition) *virtualObjectEndPoint {
	return &virtualObjectEndPoint{
		id:         id,
		def:        def,
		registered: make(map[domain.ObjectID]*realObjectEndPoint),
		unsynced:   make(map[domain.ObjectID]*realObjectEndPoint),
	}
}

func (e *virtualObjectEndPoint) ID() RelationEndPointID                         { return e.id }
func (e *virtualObjectEndPoint) Definition() *domain.RelationEndPointDefinition { return e.def }
func (e *virtualObjectEndPoint) IsDataComplete() bool                           { return e.keeper != nil }

func (e *virtualObjectEndPoint) LoadState() LoadState {
	if e.keeper != nil {
		return LoadComplete
	}
	return LoadIncomplete
}

func (e *virtualObjectEndPoint) HasChanged() bool {
	return e.keeper != nil && e.keeper.current != e.keeper.original
}

func (e *virtualObjectEndPoint) OppositeObjectID() domain.ObjectID {
	if e.keeper == nil {
		return domain.ObjectID{}
	}
	return e.keeper.current
}

func (e *virtualObjectEndPoint) OppositeObjectIDs() []domain.ObjectID {
	return idList(e.OppositeObjectID())
}

func (e *virtualObjectEndPoint) OriginalOppositeObjectIDs() []domain.ObjectID {
	if e.keeper == nil {
		return nil
	}
	return idList(e.keeper.original)
}

func (e *virtualObjectEndPoint) registerOriginalOpposite(rep *realObjectEndPoint) {
	obj := rep.id.Object
	if e.keeper == nil {
		e.registered[obj] = rep
		rep.sync = SyncUnknown
		return
	}
	k := e.keeper
	if k.original == obj && k.originalOpposite == nil {
		k.originalOpposite = rep
		if k.current == obj {
			k.currentOpposite = rep
		}
		rep.sync = SyncSynchronized
		return
	}
	e.unsynced[obj] = rep
	rep.sync = SyncUnsynchronized
}

func (e *virtualObjectEndPoint) unregisterOriginalOpposite(rep *realObjectEndPoint) error {
	obj := rep.id.Object
	if e.keeper == nil {
		delete(e.registered, obj)
		return nil
	}
	if _, ok := e.unsynced[obj]; ok {
		delete(e.unsynced, obj)
		return nil
	}
	if e.keeper.originalOpposite == rep {
		if err := e.markDataIncomplete(); err != nil {
			return err
		}
		delete(e.registered, obj)
	}
	return nil
}

func (e *virtualObjectEndPoint) forgetOpposite(rep *realObjectEndPoint) {
	obj := rep.id.Object
	delete(e.registered, obj)
	delete(e.unsynced, obj)
	if k := e.keeper; k != nil {
		if k.originalOpposite == rep {
			k.originalOpposite = nil
		}
		if k.currentOpposite == rep {
			k.currentOpposite = nil
		}
	}
}

func (e *virtualObjectEndPoint) hasRegisteredOpposites() bool {
	if e.keeper == nil {
		return len(e.registered) > 0
	}
	return e.keeper.originalOpposite != nil || len(e.unsynced) > 0
}

func (e *virtualObjectEndPoint) markDataComplete(items []domain.ObjectID) {
	var item domain.ObjectID
	if len(items) > 0 {
		item = items[0]
	}
	k := &virtualObjectDataKeeper{original: item, current: item}
	for obj, rep := range e.registered {
		if obj == item {
			k.originalOpposite = rep
			k.currentOpposite = rep
			rep.sync = SyncSynchronized
			continue
		}
		e.unsynced[obj] = rep
		rep.sync = SyncUnsynchronized
	}
	e.registered = make(map[domain.ObjectID]*realObjectEndPoint)
	e.keeper = k
}

func (e *virtualObjectEndPoint) markDataIncomplete() error {
	if e.keeper == nil {
		return nil
	}
	if e.HasChanged() {
		return domain.InvalidOperationf("cannot unload end point %s because it has been changed", e.id)
	}
	if rep := e.keeper.originalOpposite; rep != nil {
		e.registered[rep.id.Object] = rep
		rep.sync = SyncUnknown
	}
	for obj, rep := range e.unsynced {
		e.registered[obj] = rep
		rep.sync = SyncUnknown
	}
	e.unsynced = make(map[domain.ObjectID]*realObjectEndPoint)
	e.keeper = nil
	return nil
}

func (e *virtualObjectEndPoint) isSynchronized() bool {
	if e.keeper == nil {
		return false
	}
	return e.keeper.original.IsZero() || e.keeper.originalOpposite != nil
}

func (e *virtualObjectEndPoint) unsynchronizedOpposites() []*realObjectEndPoint {
	return sortedEndPoints(e.unsynced)
}

func (e *virtualObjectEndPoint) synchronize() {
	k := e.keeper
	if k == nil || e.isSynchronized() {
		return
	}
	if k.current == k.original {
		k.current = domain.ObjectID{}
		k.currentOpposite = nil
	}
	k.original = domain.ObjectID{}
}

func (e *virtualObjectEndPoint) synchronizeOpposite(rep *realObjectEndPoint) error {
	obj := rep.id.Object
	if _, ok := e.unsynced[obj]; !ok {
		return nil
	}
	k := e.keeper
	if !k.original.IsZero() || !k.current.IsZero() {
		return domain.InvalidOperationf(
			"end point %s cannot be synchronized with %s because %s already points to %s; unload or synchronize %s first",
			rep.id, e.id, e.id, k.current, e.id)
	}
	k.original, k.current = obj, obj
	k.originalOpposite, k.currentOpposite = rep, rep
	delete(e.unsynced, obj)
	rep.sync = SyncSynchronized
	return nil
}

func (e *virtualObjectEndPoint) setCurrent(id domain.ObjectID, rep *realObjectEndPoint) {
	e.keeper.current = id
	e.keeper.currentOpposite = rep
}

func (e *virtualObjectEndPoint) setCurrentData(items []domain.ObjectID, opposite func(domain.ObjectID) *realObjectEndPoint) {
	var id domain.ObjectID
	if len(items) > 0 {
		id = items[0]
	}
	var rep *realObjectEndPoint
	if !id.IsZero() {
		rep = opposite(id)
	}
	e.setCurrent(id, rep)
}

func (e *virtualObjectEndPoint) commit() {
	if e.keeper == nil {
		return
	}
	e.keeper.original = e.keeper.current
	e.keeper.originalOpposite = e.keeper.currentOpposite
}

func (e *virtualObjectEndPoint) rollback() {
	if e.keeper == nil {
		return
	}
	e.keeper.current = e.keeper.original
	e.keeper.currentOpposite = e.keeper.originalOpposite
}

// collectionEndPoint is the virtual side of a one-to-many relation.
type collectionEndPoint struct {
	id         RelationEndPointID
	def        *domain.RelationEndPointDefinition
	registered map[domain.ObjectID]*realObjectEndPoint
	unsynced   map[domain.ObjectID]*realObjectEndPoint
	keeper     *collectionDataKeeper
}

// collectionDataKeeper holds the ordered original and current items of a
// complete collection end point together with the foreign key end points of
// its items.
type collectionDataKeeper struct {
	original          []domain.ObjectID
	current           []domain.ObjectID
	originalOpposites map[domain.ObjectID]*realObjectEndPoint
	currentOpposites  map[domain.ObjectID]*realObjectEndPoint
	withoutEndPoint   map[domain.ObjectID]struct{}
}

func newCollectionEndPoint(id RelationEndPointID, def *domain.RelationEndPointDefinition) *collectionEndPoint {
	return &collectionEndPoint{
		id:         id,
		def:        def,
		registered: make(map[domain.ObjectID]*realObjectEndPoint),
		unsynced:   make(map[domain.ObjectID]*realObjectEndPoint),
	}
}

func (e *collectionEndPoint) ID() RelationEndPointID                         { return e.id }
func (e *collectionEndPoint) Definition() *domain.RelationEndPointDefinition { return e.def }
func (e *collectionEndPoint) IsDataComplete() bool                           { return e.keeper != nil }

func (e *collectionEndPoint) LoadState() LoadState {
	if e.keeper != nil {
		return LoadComplete
	}
	return LoadIncomplete
}

func (e *collectionEndPoint) HasChanged() bool {
	return e.keeper != nil && !slices.Equal(e.keeper.current, e.keeper.original)
}

func (e *collectionEndPoint) OppositeObjectIDs() []domain.ObjectID {
	if e.keeper == nil {
		return nil
	}
	return slices.Clone(e.keeper.current)
}

func (e *collectionEndPoint) OriginalOppositeObjectIDs() []domain.ObjectID {
	if e.keeper == nil {
		return nil
	}
	return slices.Clone(e.keeper.original)
}

func (e *collectionEndPoint) contains(id domain.ObjectID) bool {
	return e.indexOf(id) >= 0
}

func (e *collectionEndPoint) indexOf(id domain.ObjectID) int {
	return slices.Index(e.keeper.current, id)
}

func (e *collectionEndPoint) registerOriginalOpposite(rep *realObjectEndPoint) {
	obj := rep.id.Object
	if e.keeper == nil {
		e.registered[obj] = rep
		rep.sync = SyncUnknown
		return
	}
	k := e.keeper
	if _, ok := k.withoutEndPoint[obj]; ok {
		delete(k.withoutEndPoint, obj)
		k.originalOpposites[obj] = rep
		if slices.Contains(k.current, obj) {
			k.currentOpposites[obj] = rep
		}
		rep.sync = SyncSynchronized
		return
	}
	e.unsynced[obj] = rep
	rep.sync = SyncUnsynchronized
}

func (e *collectionEndPoint) unregisterOriginalOpposite(rep *realObjectEndPoint) error {
	obj := rep.id.Object
	if e.keeper == nil {
		delete(e.registered, obj)
		return nil
	}
	if _, ok := e.unsynced[obj]; ok {
		delete(e.unsynced, obj)
		return nil
	}
	if e.keeper.originalOpposites[obj] == rep {
		if err := e.markDataIncomplete(); err != nil {
			return err
		}
		delete(e.registered, obj)
	}
	return nil
}

func (e *collectionEndPoint) forgetOpposite(rep *realObjectEndPoint) {
	obj := rep.id.Object
	delete(e.registered, obj)
	delete(e.unsynced, obj)
	if k := e.keeper; k != nil {
		if k.originalOpposites[obj] == rep {
			delete(k.originalOpposites, obj)
		}
		if k.currentOpposites[obj] == rep {
			delete(k.currentOpposites, obj)
		}
	}
}

func (e *collectionEndPoint) hasRegisteredOpposites() bool {
	if e.keeper == nil {
		return len(e.registered) > 0
	}
	return len(e.keeper.originalOpposites) > 0 || len(e.unsynced) > 0
}

func (e *collectionEndPoint) markDataComplete(items []domain.ObjectID) {
	k := &collectionDataKeeper{
		original:          slices.Clone(items),
		current:           slices.Clone(items),
		originalOpposites: make(map[domain.ObjectID]*realObjectEndPoint, len(items)),
		currentOpposites:  make(map[domain.ObjectID]*realObjectEndPoint, len(items)),
		withoutEndPoint:   make(map[domain.ObjectID]struct{}),
	}
	for _, item := range items {
		rep, ok := e.registered[item]
		if !ok {
			k.withoutEndPoint[item] = struct{}{}
			continue
		}
		k.originalOpposites[item] = rep
		k.currentOpposites[item] = rep
		rep.sync = SyncSynchronized
		delete(e.registered, item)
	}
	for obj, rep := range e.registered {
		e.unsynced[obj] = rep
		rep.sync = SyncUnsynchronized
	}
	e.registered = make(map[domain.ObjectID]*realObjectEndPoint)
	e.keeper = k
}

func (e *collectionEndPoint) markDataIncomplete() error {
	if e.keeper == nil {
		return nil
	}
	if e.HasChanged() {
		return domain.InvalidOperationf("cannot unload collection end point %s because it has been changed", e.id)
	}
	for obj, rep := range e.keeper.originalOpposites {
		e.registered[obj] = rep
		rep.sync = SyncUnknown
	}
	for obj, rep := range e.unsynced {
		e.registered[obj] = rep
		rep.sync = SyncUnknown
	}
	e.unsynced = make(map[domain.ObjectID]*realObjectEndPoint)
	e.keeper = nil
	return nil
}

func (e *collectionEndPoint) isSynchronized() bool {
	return e.keeper != nil && len(e.keeper.withoutEndPoint) == 0
}

func (e *collectionEndPoint) unsynchronizedOpposites() []*realObjectEndPoint {
	return sortedEndPoints(e.unsynced)
}

func (e *collectionEndPoint) itemsWithoutEndPoint() []domain.ObjectID {
	if e.keeper == nil {
		return nil
	}
	out := make([]domain.ObjectID, 0, len(e.keeper.withoutEndPoint))
	for id := range e.keeper.withoutEndPoint {
		out = append(out, id)
	}
	slices.SortFunc(out, domain.CompareObjectIDs)
	return out
}

func (e *collectionEndPoint) synchronize() {
	k := e.keeper
	if k == nil {
		return
	}
	for id := range k.withoutEndPoint {
		k.original = slices.DeleteFunc(k.original, func(x domain.ObjectID) bool { return x == id })
		k.current = slices.DeleteFunc(k.current, func(x domain.ObjectID) bool { return x == id })
	}
	k.withoutEndPoint = make(map[domain.ObjectID]struct{})
}

func (e *collectionEndPoint) synchronizeOpposite(rep *realObjectEndPoint) error {
	obj := rep.id.Object
	if _, ok := e.unsynced[obj]; !ok {
		return nil
	}
	k := e.keeper
	if !slices.Contains(k.original, obj) {
		k.original = append(k.original, obj)
	}
	if !slices.Contains(k.current, obj) {
		k.current = append(k.current, obj)
	}
	k.originalOpposites[obj] = rep
	k.currentOpposites[obj] = rep
	delete(e.unsynced, obj)
	rep.sync = SyncSynchronized
	return nil
}

func (e *collectionEndPoint) insert(index int, id domain.ObjectID, rep *realObjectEndPoint) {
	e.keeper.current = slices.Insert(e.keeper.current, index, id)
	e.keeper.currentOpposites[id] = rep
}

func (e *collectionEndPoint) remove(id domain.ObjectID) {
	i := e.indexOf(id)
	if i < 0 {
		return
	}
	e.keeper.current = slices.Delete(e.keeper.current, i, i+1)
	delete(e.keeper.currentOpposites, id)
}

func (e *collectionEndPoint) replaceAt(index int, id domain.ObjectID, rep *realObjectEndPoint) {
	old := e.keeper.current[index]
	delete(e.keeper.currentOpposites, old)
	e.keeper.current[index] = id
	e.keeper.currentOpposites[id] = rep
}

func (e *collectionEndPoint) setCurrentData(items []domain.ObjectID, opposite func(domain.ObjectID) *realObjectEndPoint) {
	k := e.keeper
	k.current = slices.Clone(items)
	k.currentOpposites = make(map[domain.ObjectID]*realObjectEndPoint, len(items))
	for _, id := range items {
		if rep := opposite(id); rep != nil {
			k.currentOpposites[id] = rep
		}
	}
}

func (e *collectionEndPoint) commit() {
	k := e.keeper
	if k == nil {
		return
	}
	k.original = slices.Clone(k.current)
	k.originalOpposites = make(map[domain.ObjectID]*realObjectEndPoint, len(k.currentOpposites))
	for id, rep := range k.currentOpposites {
		k.originalOpposites[id] = rep
	}
}

func (e *collectionEndPoint) rollback() {
	k := e.keeper
	if k == nil {
		return
	}
	k.current = slices.Clone(k.original)
	k.currentOpposites = make(map[domain.ObjectID]*realObjectEndPoint, len(k.originalOpposites))
	for id, rep := range k.originalOpposites {
		k.currentOpposites[id] = rep
	}
}

func sortedEndPoints(in map[domain.ObjectID]*realObjectEndPoint) []*realObjectEndPoint {
	out := make([]*realObjectEndPoint, 0, len(in))
	for _, rep := range in {
		out = append(out, rep)
	}
	slices.SortFunc(out, func(a, b *realObjectEndPoint) int { return domain.CompareObjectIDs(a.id.Object, b.id.Object) })
	return out
}

func endPointKind(def *domain.RelationEndPointDefinition) string {
	switch {
	case !def.Virtual:
		return "foreign key"
	case def.IsCollection():
		return "collection"
	default:
		return "virtual"
	}
}

func describeEndPoint(ep RelationEndPoint) string {
	return fmt.Sprintf("%s end point %s", endPointKind(ep.Definition()), ep.ID())
}
