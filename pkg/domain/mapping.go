package domain

import (
	"fmt"
	"sort"
)

// PropertyType enumerates the value types a mapped property can hold.
type PropertyType string

// Supported property types.
const (
	TypeString    PropertyType = "string"
	TypeInt       PropertyType = "int"
	TypeFloat     PropertyType = "float"
	TypeBool      PropertyType = "bool"
	TypeTime      PropertyType = "time"
	TypeBytes     PropertyType = "bytes"
	TypeReference PropertyType = "reference" // foreign key holding an ObjectID
)

func (t PropertyType) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeBytes, TypeReference:
		return true
	default:
		return false
	}
}

// PropertyDefinition describes a persistent property of a class.
type PropertyDefinition struct {
	Name     string
	Type     PropertyType
	Nullable bool
}

// Cardinality is the multiplicity of a relation end point.
type Cardinality string

// Relation end point cardinalities.
const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// RelationEndPointDefinition describes one side of a relation. The side holding
// the foreign key is "real"; the other side is "virtual" and is resolved by
// querying who points at it.
type RelationEndPointDefinition struct {
	Class            ClassID
	Property         string
	OppositeClass    ClassID
	OppositeProperty string // empty for unidirectional relations
	Cardinality      Cardinality
	Virtual          bool
	Mandatory        bool
}

// IsCollection reports whether the end point holds many opposite objects.
func (d *RelationEndPointDefinition) IsCollection() bool {
	return d.Cardinality == CardinalityMany
}

// IsBidirectional reports whether the relation has an opposite end point.
func (d *RelationEndPointDefinition) IsBidirectional() bool {
	return d.OppositeProperty != ""
}

func (d *RelationEndPointDefinition) String() string {
	return string(d.Class) + "." + d.Property
}

// ClassDefinition is the read-only schema of one mapped class.
type ClassDefinition struct {
	id         ClassID
	properties []PropertyDefinition
	propIndex  map[string]int
	endPoints  []*RelationEndPointDefinition
	epIndex    map[string]int
}

// ID returns the class identity.
func (c *ClassDefinition) ID() ClassID { return c.id }

// Properties returns the persistent properties in declaration order, foreign
// key properties included.
func (c *ClassDefinition) Properties() []PropertyDefinition {
	return append([]PropertyDefinition(nil), c.properties...)
}

// Property returns the named persistent property.
func (c *ClassDefinition) Property(name string) (PropertyDefinition, bool) {
	i, ok := c.propIndex[name]
	if !ok {
		return PropertyDefinition{}, false
	}
	return c.properties[i], true
}

// EndPoints returns the relation end points of the class in declaration order.
func (c *ClassDefinition) EndPoints() []*RelationEndPointDefinition {
	return append([]*RelationEndPointDefinition(nil), c.endPoints...)
}

// EndPoint returns the named relation end point.
func (c *ClassDefinition) EndPoint(property string) (*RelationEndPointDefinition, bool) {
	i, ok := c.epIndex[property]
	if !ok {
		return nil, false
	}
	return c.endPoints[i], true
}

// Mapping is the immutable set of class definitions consumed by the engine.
type Mapping struct {
	classes map[ClassID]*ClassDefinition
	order   []ClassID
}

// Class returns the definition for id.
func (m *Mapping) Class(id ClassID) (*ClassDefinition, bool) {
	c, ok := m.classes[id]
	return c, ok
}

// MustClass returns the definition for id or an ArgumentError.
func (m *Mapping) MustClass(id ClassID) (*ClassDefinition, error) {
	c, ok := m.classes[id]
	if !ok {
		return nil, ArgumentError{Argument: "class", Message: fmt.Sprintf("class %q is not mapped", id)}
	}
	return c, nil
}

// Classes returns all class identities in declaration order.
func (m *Mapping) Classes() []ClassID {
	return append([]ClassID(nil), m.order...)
}

// OppositeEndPoint returns the definition on the other side of def.
func (m *Mapping) OppositeEndPoint(def *RelationEndPointDefinition) (*RelationEndPointDefinition, bool) {
	if !def.IsBidirectional() {
		return nil, false
	}
	c, ok := m.classes[def.OppositeClass]
	if !ok {
		return nil, false
	}
	return c.EndPoint(def.OppositeProperty)
}

// Validate checks the structural invariants of the mapping: every relation
// targets a mapped class, opposite definitions point back at each other and
// exactly one side of a bidirectional pair holds the foreign key.
func (m *Mapping) Validate() error {
	var problems []string
	for _, id := range m.order {
		c := m.classes[id]
		for _, p := range c.properties {
			if !p.Type.valid() {
				problems = append(problems, fmt.Sprintf("%s.%s: unknown property type %q", id, p.Name, p.Type))
			}
		}
		for _, ep := range c.endPoints {
			if ep.Property == "" {
				problems = append(problems, fmt.Sprintf("%s: relation property name is empty", ep))
				continue
			}
			if _, ok := m.classes[ep.OppositeClass]; !ok {
				problems = append(problems, fmt.Sprintf("%s: opposite class %q is not mapped", ep, ep.OppositeClass))
				continue
			}
			if !ep.Virtual && ep.IsCollection() {
				problems = append(problems, fmt.Sprintf("%s: a foreign key end point cannot be a collection", ep))
			}
			if !ep.IsBidirectional() {
				if ep.Virtual {
					problems = append(problems, fmt.Sprintf("%s: virtual end point has no opposite property", ep))
				}
				continue
			}
			opp, ok := m.OppositeEndPoint(ep)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: opposite end point %s.%s does not exist", ep, ep.OppositeClass, ep.OppositeProperty))
				continue
			}
			if opp.OppositeClass != ep.Class || opp.OppositeProperty != ep.Property {
				problems = append(problems, fmt.Sprintf("%s: opposite end point %s does not point back", ep, opp))
			}
			if opp.Virtual == ep.Virtual {
				problems = append(problems, fmt.Sprintf("%s: exactly one side of the relation with %s must hold the foreign key", ep, opp))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return MappingError{Problems: problems}
	}
	return nil
}

// MappingError aggregates structural problems found by Validate.
type MappingError struct {
	Problems []string
}

func (e MappingError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid mapping: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid mapping: %d problems, first: %s", len(e.Problems), e.Problems[0])
}
