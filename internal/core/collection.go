package core

import (
	"context"
	"fmt"

	"relkeeper/pkg/domain"
)

// Collection is the handle of a one-to-many collection property in one
// transaction. Every call resolves the end point again, so a handle survives
// unloading and reloading of the collection.
type Collection struct {
	tx    *ClientTransaction
	owner *DomainObject
	id    RelationEndPointID
}

// EndPointID identifies the underlying collection end point.
func (c *Collection) EndPointID() RelationEndPointID { return c.id }

// Owner returns the object holding the collection.
func (c *Collection) Owner() *DomainObject { return c.owner }

func (c *Collection) endPoint(ctx context.Context) (*collectionEndPoint, error) {
	if err := c.tx.checkActive(); err != nil {
		return nil, err
	}
	return c.tx.dm.collectionEndPoint(ctx, c.id)
}

func (c *Collection) writableEndPoint(ctx context.Context, objs ...*DomainObject) (*collectionEndPoint, error) {
	if err := c.tx.beginModification(append([]*DomainObject{c.owner}, objs...)...); err != nil {
		return nil, err
	}
	if _, err := c.tx.liveContainer(ctx, c.owner); err != nil {
		return nil, err
	}
	return c.tx.dm.collectionEndPoint(ctx, c.id)
}

// Len returns the number of current items.
func (c *Collection) Len(ctx context.Context) (int, error) {
	ep, err := c.endPoint(ctx)
	if err != nil {
		return 0, err
	}
	return len(ep.keeper.current), nil
}

// Items returns the current items in order.
func (c *Collection) Items(ctx context.Context) ([]*DomainObject, error) {
	ep, err := c.endPoint(ctx)
	if err != nil {
		return nil, err
	}
	return c.tx.hie.objectsOf(ep.keeper.current), nil
}

// Original returns the items at load or last commit.
func (c *Collection) Original(ctx context.Context) ([]*DomainObject, error) {
	ep, err := c.endPoint(ctx)
	if err != nil {
		return nil, err
	}
	return c.tx.hie.objectsOf(ep.keeper.original), nil
}

// Contains reports whether item is a current item.
func (c *Collection) Contains(ctx context.Context, item *DomainObject) (bool, error) {
	i, err := c.IndexOf(ctx, item)
	return i >= 0, err
}

// IndexOf returns the position of item, or -1.
func (c *Collection) IndexOf(ctx context.Context, item *DomainObject) (int, error) {
	ep, err := c.endPoint(ctx)
	if err != nil {
		return -1, err
	}
	if item == nil {
		return -1, nil
	}
	return ep.indexOf(item.id), nil
}

// At returns the item at index.
func (c *Collection) At(ctx context.Context, index int) (*DomainObject, error) {
	ep, err := c.endPoint(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(ep.keeper.current) {
		return nil, domain.ArgumentError{Argument: "index", Message: fmt.Sprintf("index %d is out of range for %s with %d items", index, ep.def, len(ep.keeper.current))}
	}
	return c.tx.hie.object(ep.keeper.current[index]), nil
}

// Add appends item. The foreign key of item is set to the owner and item is
// removed from its previous collection.
func (c *Collection) Add(ctx context.Context, item *DomainObject) error {
	ep, err := c.writableEndPoint(ctx, item)
	if err != nil {
		return err
	}
	return c.tx.insertIntoCollection(ctx, ep, len(ep.keeper.current), item)
}

// Insert adds item at index.
func (c *Collection) Insert(ctx context.Context, index int, item *DomainObject) error {
	ep, err := c.writableEndPoint(ctx, item)
	if err != nil {
		return err
	}
	return c.tx.insertIntoCollection(ctx, ep, index, item)
}

// Remove takes item out of the collection and clears its foreign key. It
// reports false, without notifications, when item is not contained.
func (c *Collection) Remove(ctx context.Context, item *DomainObject) (bool, error) {
	if item == nil {
		return false, domain.ArgumentError{Argument: "item", Message: "item must not be nil"}
	}
	ep, err := c.writableEndPoint(ctx, item)
	if err != nil {
		return false, err
	}
	return c.tx.removeFromCollection(ep, item)
}

// Set replaces the item at index with item.
func (c *Collection) Set(ctx context.Context, index int, item *DomainObject) error {
	ep, err := c.writableEndPoint(ctx, item)
	if err != nil {
		return err
	}
	return c.tx.replaceInCollection(ctx, ep, index, item)
}

// Replace makes items the complete content of the collection.
func (c *Collection) Replace(ctx context.Context, items []*DomainObject) error {
	ep, err := c.writableEndPoint(ctx, items...)
	if err != nil {
		return err
	}
	return c.tx.replaceCollection(ctx, ep, items)
}
