package core

import "relkeeper/pkg/domain"

// command is one step of a modification. begin raises the "ing"
// notifications and may fail; perform applies the change and cannot fail; end
// raises the "ed" notifications.
type command interface {
	begin() error
	perform()
	end()
}

// compositeCommand runs begin on all steps before performing any of them, so a
// veto leaves the transaction untouched.
type compositeCommand []command

func (c compositeCommand) execute() error {
	for _, cmd := range c {
		if err := cmd.begin(); err != nil {
			return err
		}
	}
	for _, cmd := range c {
		cmd.perform()
	}
	for _, cmd := range c {
		cmd.end()
	}
	return nil
}

func (tx *ClientTransaction) execute(cmds ...command) error {
	return compositeCommand(cmds).execute()
}

type propertySetCommand struct {
	tx       *ClientTransaction
	dc       *DataContainer
	property string
	oldValue any
	newValue any
}

func (c *propertySetCommand) obj() *DomainObject { return c.tx.hie.object(c.dc.ID()) }

func (c *propertySetCommand) begin() error {
	return c.tx.events.propertyValueChanging(c.tx, c.obj(), c.property, c.oldValue, c.newValue)
}

func (c *propertySetCommand) perform() { c.dc.setValueUnchecked(c.property, c.newValue) }

func (c *propertySetCommand) end() {
	c.tx.events.propertyValueChanged(c.tx, c.obj(), c.property, c.oldValue, c.newValue)
}

// realEndPointSetCommand changes a foreign key.
type realEndPointSetCommand struct {
	tx       *ClientTransaction
	ep       *realObjectEndPoint
	oldValue domain.ObjectID
	newValue domain.ObjectID
	silent   bool
}

func (c *realEndPointSetCommand) begin() error {
	if c.silent {
		return nil
	}
	h := c.tx.hie
	return c.tx.events.relationChanging(c.tx, h.object(c.ep.id.Object), c.ep.id.Property, h.object(c.oldValue), h.object(c.newValue))
}

func (c *realEndPointSetCommand) perform() { c.ep.setOppositeObjectID(c.newValue) }

func (c *realEndPointSetCommand) end() {
	if c.silent {
		return
	}
	h := c.tx.hie
	c.tx.events.relationChanged(c.tx, h.object(c.ep.id.Object), c.ep.id.Property, h.object(c.oldValue), h.object(c.newValue))
}

// virtualObjectSetCommand changes the current opposite of a virtual
// one-to-one end point.
type virtualObjectSetCommand struct {
	tx       *ClientTransaction
	ep       *virtualObjectEndPoint
	oldValue domain.ObjectID
	newValue domain.ObjectID
	newRep   *realObjectEndPoint
	silent   bool
}

func (c *virtualObjectSetCommand) begin() error {
	if c.silent {
		return nil
	}
	h := c.tx.hie
	return c.tx.events.relationChanging(c.tx, h.object(c.ep.id.Object), c.ep.id.Property, h.object(c.oldValue), h.object(c.newValue))
}

func (c *virtualObjectSetCommand) perform() { c.ep.setCurrent(c.newValue, c.newRep) }

func (c *virtualObjectSetCommand) end() {
	if c.silent {
		return
	}
	h := c.tx.hie
	c.tx.events.relationChanged(c.tx, h.object(c.ep.id.Object), c.ep.id.Property, h.object(c.oldValue), h.object(c.newValue))
}

type collectionInsertCommand struct {
	tx    *ClientTransaction
	ep    *collectionEndPoint
	index int
	item  domain.ObjectID
	rep   *realObjectEndPoint
}

func (c *collectionInsertCommand) begin() error {
	h := c.tx.hie
	owner, item := h.object(c.ep.id.Object), h.object(c.item)
	if err := c.tx.events.collectionAdding(c.tx, owner, c.ep.id.Property, item); err != nil {
		return err
	}
	return c.tx.events.relationChanging(c.tx, owner, c.ep.id.Property, nil, item)
}

func (c *collectionInsertCommand) perform() { c.ep.insert(c.index, c.item, c.rep) }

func (c *collectionInsertCommand) end() {
	h := c.tx.hie
	owner, item := h.object(c.ep.id.Object), h.object(c.item)
	c.tx.events.collectionAdded(c.tx, owner, c.ep.id.Property, item)
	c.tx.events.relationChanged(c.tx, owner, c.ep.id.Property, nil, item)
}

type collectionRemoveCommand struct {
	tx   *ClientTransaction
	ep   *collectionEndPoint
	item domain.ObjectID
}

func (c *collectionRemoveCommand) begin() error {
	h := c.tx.hie
	owner, item := h.object(c.ep.id.Object), h.object(c.item)
	if err := c.tx.events.collectionRemoving(c.tx, owner, c.ep.id.Property, item); err != nil {
		return err
	}
	return c.tx.events.relationChanging(c.tx, owner, c.ep.id.Property, item, nil)
}

func (c *collectionRemoveCommand) perform() { c.ep.remove(c.item) }

func (c *collectionRemoveCommand) end() {
	h := c.tx.hie
	owner, item := h.object(c.ep.id.Object), h.object(c.item)
	c.tx.events.collectionRemoved(c.tx, owner, c.ep.id.Property, item)
	c.tx.events.relationChanged(c.tx, owner, c.ep.id.Property, item, nil)
}

type collectionReplaceCommand struct {
	tx      *ClientTransaction
	ep      *collectionEndPoint
	index   int
	oldItem domain.ObjectID
	newItem domain.ObjectID
	newRep  *realObjectEndPoint
}

func (c *collectionReplaceCommand) begin() error {
	h := c.tx.hie
	owner, oldItem, newItem := h.object(c.ep.id.Object), h.object(c.oldItem), h.object(c.newItem)
	if err := c.tx.events.collectionRemoving(c.tx, owner, c.ep.id.Property, oldItem); err != nil {
		return err
	}
	if err := c.tx.events.collectionAdding(c.tx, owner, c.ep.id.Property, newItem); err != nil {
		return err
	}
	return c.tx.events.relationChanging(c.tx, owner, c.ep.id.Property, oldItem, newItem)
}

func (c *collectionReplaceCommand) perform() { c.ep.replaceAt(c.index, c.newItem, c.newRep) }

func (c *collectionReplaceCommand) end() {
	h := c.tx.hie
	owner, oldItem, newItem := h.object(c.ep.id.Object), h.object(c.oldItem), h.object(c.newItem)
	c.tx.events.collectionRemoved(c.tx, owner, c.ep.id.Property, oldItem)
	c.tx.events.collectionAdded(c.tx, owner, c.ep.id.Property, newItem)
	c.tx.events.relationChanged(c.tx, owner, c.ep.id.Property, oldItem, newItem)
}

// collectionReplaceAllCommand swaps the whole item list of a collection.
type collectionReplaceAllCommand struct {
	tx      *ClientTransaction
	ep      *collectionEndPoint
	items   []domain.ObjectID
	removed []domain.ObjectID
	added   []domain.ObjectID
	reps    map[domain.ObjectID]*realObjectEndPoint
}

func (c *collectionReplaceAllCommand) begin() error {
	h := c.tx.hie
	owner := h.object(c.ep.id.Object)
	for _, id := range c.removed {
		if err := c.tx.events.collectionRemoving(c.tx, owner, c.ep.id.Property, h.object(id)); err != nil {
			return err
		}
	}
	for _, id := range c.added {
		if err := c.tx.events.collectionAdding(c.tx, owner, c.ep.id.Property, h.object(id)); err != nil {
			return err
		}
	}
	return c.tx.events.relationChanging(c.tx, owner, c.ep.id.Property, nil, nil)
}

func (c *collectionReplaceAllCommand) perform() {
	c.ep.setCurrentData(c.items, func(id domain.ObjectID) *realObjectEndPoint { return c.reps[id] })
}

func (c *collectionReplaceAllCommand) end() {
	h := c.tx.hie
	owner := h.object(c.ep.id.Object)
	for _, id := range c.removed {
		c.tx.events.collectionRemoved(c.tx, owner, c.ep.id.Property, h.object(id))
	}
	for _, id := range c.added {
		c.tx.events.collectionAdded(c.tx, owner, c.ep.id.Property, h.object(id))
	}
	c.tx.events.relationChanged(c.tx, owner, c.ep.id.Property, nil, nil)
}

// objectDeletingCommand opens a delete: it raises ObjectDeleting before any
// relation notification.
type objectDeletingCommand struct {
	tx  *ClientTransaction
	obj *DomainObject
}

func (c *objectDeletingCommand) begin() error { return c.tx.events.objectDeleting(c.tx, c.obj) }
func (c *objectDeletingCommand) perform()     {}
func (c *objectDeletingCommand) end()         {}

// objectDeletedCommand closes a delete after all relations have been cleared.
type objectDeletedCommand struct {
	tx  *ClientTransaction
	obj *DomainObject
	dc  *DataContainer
}

func (c *objectDeletedCommand) begin() error { return nil }

func (c *objectDeletedCommand) perform() {
	if c.dc.isNew {
		c.tx.dm.discard(c.dc)
		return
	}
	c.dc.deleted = true
}

func (c *objectDeletedCommand) end() { c.tx.events.objectDeleted(c.tx, c.obj) }

// silentCollectionClearCommand empties the collection of a deleted object.
type silentCollectionClearCommand struct {
	ep *collectionEndPoint
}

func (c *silentCollectionClearCommand) begin() error { return nil }
func (c *silentCollectionClearCommand) perform() {
	c.ep.setCurrentData(nil, func(domain.ObjectID) *realObjectEndPoint { return nil })
}
func (c *silentCollectionClearCommand) end() {}
