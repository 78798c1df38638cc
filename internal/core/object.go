package core

import (
	"fmt"

	"relkeeper/pkg/domain"
)

// ObjectState is the state of a domain object as seen by one transaction.
type ObjectState int

// Object states.
const (
	ObjectNotLoadedYet ObjectState = iota
	ObjectNew
	ObjectUnchanged
	ObjectChanged
	ObjectDeleted
	ObjectInvalid
)

func (s ObjectState) String() string {
	switch s {
	case ObjectNotLoadedYet:
		return "NotLoadedYet"
	case ObjectNew:
		return "New"
	case ObjectUnchanged:
		return "Unchanged"
	case ObjectChanged:
		return "Changed"
	case ObjectDeleted:
		return "Deleted"
	case ObjectInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("ObjectState(%d)", int(s))
	}
}

// DomainObject is the identity handle of an object within one transaction
// hierarchy. All data lives in the transactions; the handle is shared by the
// root and its sub-transactions.
type DomainObject struct {
	id  domain.ObjectID
	hie *hierarchy
}

// ID returns the object's identifier.
func (o *DomainObject) ID() domain.ObjectID { return o.id }

func (o *DomainObject) String() string { return o.id.String() }

// hierarchy is the state shared by a root transaction and its descendants.
type hierarchy struct {
	root    *ClientTransaction
	mapping *domain.Mapping
	objects map[domain.ObjectID]*DomainObject
}

func newHierarchy(mapping *domain.Mapping) *hierarchy {
	return &hierarchy{mapping: mapping, objects: make(map[domain.ObjectID]*DomainObject)}
}

func (h *hierarchy) object(id domain.ObjectID) *DomainObject {
	if id.IsZero() {
		return nil
	}
	if o, ok := h.objects[id]; ok {
		return o
	}
	o := &DomainObject{id: id, hie: h}
	h.objects[id] = o
	return o
}

func (h *hierarchy) lookup(id domain.ObjectID) (*DomainObject, bool) {
	o, ok := h.objects[id]
	return o, ok
}

func (h *hierarchy) objectsOf(ids []domain.ObjectID) []*DomainObject {
	out := make([]*DomainObject, len(ids))
	for i, id := range ids {
		out[i] = h.object(id)
	}
	return out
}
