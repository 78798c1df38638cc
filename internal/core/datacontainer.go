package core

import (
	"fmt"

	"relkeeper/pkg/domain"
)

// DataContainerState is the lifecycle state of a DataContainer.
type DataContainerState int

// DataContainer states.
const (
	StateNew DataContainerState = iota
	StateUnchanged
	StateChanged
	StateDeleted
	StateDiscarded
)

func (s DataContainerState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateUnchanged:
		return "Unchanged"
	case StateChanged:
		return "Changed"
	case StateDeleted:
		return "Deleted"
	case StateDiscarded:
		return "Discarded"
	default:
		return fmt.Sprintf("DataContainerState(%d)", int(s))
	}
}

// DataContainer stores the original and current property values of one object
// within one transaction. It is owned by exactly one DataManager.
type DataContainer struct {
	id        domain.ObjectID
	class     *domain.ClassDefinition
	timestamp domain.Timestamp
	original  map[string]any
	current   map[string]any
	isNew     bool
	deleted   bool
	discarded bool
	marked    bool
}

func newDataContainerForNewObject(class *domain.ClassDefinition, id domain.ObjectID) *DataContainer {
	values := make(map[string]any)
	for _, def := range class.Properties() {
		values[def.Name] = domain.DefaultValue(def)
	}
	return &DataContainer{
		id:       id,
		class:    class,
		original: values,
		current:  cloneValues(values),
		isNew:    true,
	}
}

func newDataContainerForExistingObject(class *domain.ClassDefinition, id domain.ObjectID, ts domain.Timestamp, values map[string]any) (*DataContainer, error) {
	normalized := make(map[string]any, len(values))
	for _, def := range class.Properties() {
		raw, ok := values[def.Name]
		if !ok {
			normalized[def.Name] = domain.DefaultValue(def)
			continue
		}
		v, err := domain.NormalizeValue(def, raw)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", id, err)
		}
		normalized[def.Name] = v
	}
	return &DataContainer{
		id:        id,
		class:     class,
		timestamp: ts,
		original:  normalized,
		current:   cloneValues(normalized),
	}, nil
}

// ID returns the identifier of the object the container belongs to.
func (dc *DataContainer) ID() domain.ObjectID { return dc.id }

// Class returns the mapped class of the object.
func (dc *DataContainer) Class() *domain.ClassDefinition { return dc.class }

// Timestamp returns the persisted version the container was loaded with.
func (dc *DataContainer) Timestamp() domain.Timestamp { return dc.timestamp }

// State derives the lifecycle state from the container's flags and values.
func (dc *DataContainer) State() DataContainerState {
	switch {
	case dc.discarded:
		return StateDiscarded
	case dc.deleted:
		return StateDeleted
	case dc.isNew:
		return StateNew
	case dc.marked || dc.hasValueChanges():
		return StateChanged
	default:
		return StateUnchanged
	}
}

func (dc *DataContainer) hasValueChanges() bool {
	for name, v := range dc.current {
		if !domain.ValuesEqual(v, dc.original[name]) {
			return true
		}
	}
	return false
}

func (dc *DataContainer) checkNotDiscarded() error {
	if dc.discarded {
		return domain.InvalidOperationf("object %s has been discarded and can no longer be used", dc.id)
	}
	return nil
}

func (dc *DataContainer) definition(property string) (domain.PropertyDefinition, error) {
	def, ok := dc.class.Property(property)
	if !ok {
		return domain.PropertyDefinition{}, domain.ArgumentError{
			Argument: "property",
			Message:  fmt.Sprintf("class %s has no property %q", dc.class.ID(), property),
		}
	}
	return def, nil
}

// Value returns the current value of property.
func (dc *DataContainer) Value(property string) (any, error) {
	if err := dc.checkNotDiscarded(); err != nil {
		return nil, err
	}
	if _, err := dc.definition(property); err != nil {
		return nil, err
	}
	return domain.CloneValue(dc.current[property]), nil
}

// OriginalValue returns the value property had when the container was loaded
// or last committed.
func (dc *DataContainer) OriginalValue(property string) (any, error) {
	if err := dc.checkNotDiscarded(); err != nil {
		return nil, err
	}
	if _, err := dc.definition(property); err != nil {
		return nil, err
	}
	return domain.CloneValue(dc.original[property]), nil
}

// SetValue validates and stores a new current value for property.
func (dc *DataContainer) SetValue(property string, value any) error {
	v, err := dc.prepareValue(property, value)
	if err != nil {
		return err
	}
	dc.current[property] = v
	return nil
}

// prepareValue validates a write without applying it.
func (dc *DataContainer) prepareValue(property string, value any) (any, error) {
	if err := dc.checkNotDiscarded(); err != nil {
		return nil, err
	}
	if dc.deleted {
		return nil, domain.InvalidOperationf("object %s has been deleted and cannot be modified", dc.id)
	}
	def, err := dc.definition(property)
	if err != nil {
		return nil, err
	}
	return domain.NormalizeValue(def, value)
}

func (dc *DataContainer) setValueUnchecked(property string, value any) {
	dc.current[property] = value
}

// HasValueChanged reports whether property differs from its original value.
func (dc *DataContainer) HasValueChanged(property string) bool {
	return !domain.ValuesEqual(dc.current[property], dc.original[property])
}

func (dc *DataContainer) reference(property string) domain.ObjectID {
	return referenceOf(dc.current[property])
}

func (dc *DataContainer) originalReference(property string) domain.ObjectID {
	return referenceOf(dc.original[property])
}

// MarkAsChanged forces the container into the Changed state even without a
// value delta. Only existing, non-deleted containers can be marked.
func (dc *DataContainer) MarkAsChanged() error {
	if err := dc.checkNotDiscarded(); err != nil {
		return err
	}
	if dc.isNew || dc.deleted {
		return domain.InvalidOperationf("only existing objects can be marked as changed; %s is %s", dc.id, dc.State())
	}
	dc.marked = true
	return nil
}

// CommitState promotes current values to original values. Deleted containers
// are discarded.
func (dc *DataContainer) CommitState() {
	if dc.discarded {
		return
	}
	if dc.deleted {
		dc.Discard()
		return
	}
	dc.original = cloneValues(dc.current)
	dc.isNew = false
	dc.marked = false
}

// RollbackState restores the original values. New containers are discarded.
func (dc *DataContainer) RollbackState() {
	if dc.discarded {
		return
	}
	if dc.isNew {
		dc.Discard()
		return
	}
	dc.current = cloneValues(dc.original)
	dc.deleted = false
	dc.marked = false
}

// Delete moves the container into the Deleted state; a New container is
// discarded instead. Deleting twice is an error.
func (dc *DataContainer) Delete() error {
	if err := dc.checkNotDiscarded(); err != nil {
		return err
	}
	if dc.deleted {
		return domain.InvalidOperationf("object %s has already been deleted", dc.id)
	}
	if dc.isNew {
		dc.Discard()
		return nil
	}
	dc.deleted = true
	return nil
}

// Discard makes the container terminally unusable.
func (dc *DataContainer) Discard() {
	dc.discarded = true
}

// CurrentValues returns a copy of all current values.
func (dc *DataContainer) CurrentValues() map[string]any { return cloneValues(dc.current) }

// OriginalValues returns a copy of all original values.
func (dc *DataContainer) OriginalValues() map[string]any { return cloneValues(dc.original) }

func cloneValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = domain.CloneValue(v)
	}
	return out
}

func referenceOf(v any) domain.ObjectID {
	if id, ok := v.(domain.ObjectID); ok {
		return id
	}
	return domain.ObjectID{}
}
