package domain

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MappingBuilder assembles a Mapping. Errors are collected and reported by
// Build so declarations can be chained.
type MappingBuilder struct {
	classes map[ClassID]*ClassDefinition
	order   []ClassID
	errs    []string
}

// NewMappingBuilder returns an empty builder.
func NewMappingBuilder() *MappingBuilder {
	return &MappingBuilder{classes: make(map[ClassID]*ClassDefinition)}
}

// ClassBuilder declares the scalar properties of one class.
type ClassBuilder struct {
	parent *MappingBuilder
	class  *ClassDefinition
}

// Class declares (or reopens) a class.
func (b *MappingBuilder) Class(id ClassID) *ClassBuilder {
	c, ok := b.classes[id]
	if !ok {
		c = &ClassDefinition{id: id, propIndex: make(map[string]int), epIndex: make(map[string]int)}
		b.classes[id] = c
		b.order = append(b.order, id)
	}
	return &ClassBuilder{parent: b, class: c}
}

// PropertyOption adjusts a property definition.
type PropertyOption func(*PropertyDefinition)

// Nullable allows nil values for the property.
func Nullable() PropertyOption {
	return func(p *PropertyDefinition) { p.Nullable = true }
}

// Property declares a scalar property.
func (cb *ClassBuilder) Property(name string, typ PropertyType, opts ...PropertyOption) *ClassBuilder {
	if typ == TypeReference {
		cb.parent.errs = append(cb.parent.errs, fmt.Sprintf("%s.%s: reference properties are declared through relations", cb.class.id, name))
		return cb
	}
	def := PropertyDefinition{Name: name, Type: typ}
	for _, opt := range opts {
		opt(&def)
	}
	cb.parent.addProperty(cb.class, def)
	return cb
}

// Mixin is a named group of persistent properties shared by several classes.
type Mixin struct {
	Name       string
	Properties []PropertyDefinition
}

// MixinProperty returns the stable name under which a mixin property is
// stored on the classes that include the mixin.
func MixinProperty(mixin, property string) string { return mixin + "." + property }

// Mixin adds the mixin's properties to the class under their qualified
// names. Values are read and written through MixinProperty.
func (cb *ClassBuilder) Mixin(m Mixin) *ClassBuilder {
	if m.Name == "" || strings.Contains(m.Name, ".") {
		cb.parent.errs = append(cb.parent.errs, fmt.Sprintf("%s: invalid mixin name %q", cb.class.id, m.Name))
		return cb
	}
	for _, p := range m.Properties {
		if p.Name == "" || strings.Contains(p.Name, ".") {
			cb.parent.errs = append(cb.parent.errs, fmt.Sprintf("%s: mixin %s has invalid property name %q", cb.class.id, m.Name, p.Name))
			continue
		}
		p.Name = MixinProperty(m.Name, p.Name)
		if p.Type == TypeReference {
			cb.parent.errs = append(cb.parent.errs, fmt.Sprintf("%s.%s: reference properties are declared through relations", cb.class.id, p.Name))
			continue
		}
		cb.parent.addProperty(cb.class, p)
	}
	return cb
}

// Class switches to another class declaration.
func (cb *ClassBuilder) Class(id ClassID) *ClassBuilder { return cb.parent.Class(id) }

// Builder returns the owning MappingBuilder.
func (cb *ClassBuilder) Builder() *MappingBuilder { return cb.parent }

func (b *MappingBuilder) addProperty(c *ClassDefinition, def PropertyDefinition) {
	if _, dup := c.propIndex[def.Name]; dup {
		b.errs = append(b.errs, fmt.Sprintf("%s.%s: duplicate property", c.id, def.Name))
		return
	}
	c.propIndex[def.Name] = len(c.properties)
	c.properties = append(c.properties, def)
}

func (b *MappingBuilder) addEndPoint(def *RelationEndPointDefinition) {
	c, ok := b.classes[def.Class]
	if !ok {
		b.errs = append(b.errs, fmt.Sprintf("%s: class %q is not declared", def, def.Class))
		return
	}
	if def.Property == "" {
		b.errs = append(b.errs, fmt.Sprintf("%s: relation property name is empty", def))
		return
	}
	if _, dup := c.epIndex[def.Property]; dup {
		b.errs = append(b.errs, fmt.Sprintf("%s: duplicate relation property", def))
		return
	}
	if _, clash := c.propIndex[def.Property]; clash && def.Virtual {
		b.errs = append(b.errs, fmt.Sprintf("%s: relation property clashes with a scalar property", def))
		return
	}
	c.epIndex[def.Property] = len(c.endPoints)
	c.endPoints = append(c.endPoints, def)
	if !def.Virtual {
		b.addProperty(c, PropertyDefinition{Name: def.Property, Type: TypeReference, Nullable: true})
	}
}

// RelationOption adjusts a relation declaration.
type RelationOption func(fk, virtual *RelationEndPointDefinition)

// MandatoryForeignKey requires the foreign key side to be set at commit time.
func MandatoryForeignKey() RelationOption {
	return func(fk, _ *RelationEndPointDefinition) { fk.Mandatory = true }
}

// MandatoryOpposite requires the virtual side to be non-empty at commit time.
func MandatoryOpposite() RelationOption {
	return func(_, virtual *RelationEndPointDefinition) {
		if virtual != nil {
			virtual.Mandatory = true
		}
	}
}

// OneToMany declares a relation whose foreign key lives in fkClass.fkProperty
// and whose collection side is collectionClass.collectionProperty.
func (b *MappingBuilder) OneToMany(fkClass ClassID, fkProperty string, collectionClass ClassID, collectionProperty string, opts ...RelationOption) *MappingBuilder {
	return b.bidirectional(fkClass, fkProperty, collectionClass, collectionProperty, CardinalityMany, opts)
}

// OneToOne declares a one-to-one relation whose foreign key lives in
// fkClass.fkProperty and whose virtual side is virtualClass.virtualProperty.
func (b *MappingBuilder) OneToOne(fkClass ClassID, fkProperty string, virtualClass ClassID, virtualProperty string, opts ...RelationOption) *MappingBuilder {
	return b.bidirectional(fkClass, fkProperty, virtualClass, virtualProperty, CardinalityOne, opts)
}

// Unidirectional declares a foreign key without an opposite end point.
func (b *MappingBuilder) Unidirectional(fkClass ClassID, fkProperty string, target ClassID, opts ...RelationOption) *MappingBuilder {
	fk := &RelationEndPointDefinition{Class: fkClass, Property: fkProperty, OppositeClass: target, Cardinality: CardinalityOne}
	for _, opt := range opts {
		opt(fk, nil)
	}
	b.addEndPoint(fk)
	return b
}

func (b *MappingBuilder) bidirectional(fkClass ClassID, fkProperty string, virtualClass ClassID, virtualProperty string, card Cardinality, opts []RelationOption) *MappingBuilder {
	pair := fmt.Sprintf("%s.%s <-> %s.%s", fkClass, fkProperty, virtualClass, virtualProperty)
	n := len(b.errs)
	if fkProperty == "" || virtualProperty == "" {
		b.errs = append(b.errs, pair+": bidirectional relations need both property names")
	}
	for _, id := range []ClassID{fkClass, virtualClass} {
		if _, ok := b.classes[id]; !ok {
			b.errs = append(b.errs, fmt.Sprintf("%s: class %q is not declared", pair, id))
		}
	}
	if len(b.errs) > n {
		return b
	}
	fk := &RelationEndPointDefinition{
		Class: fkClass, Property: fkProperty,
		OppositeClass: virtualClass, OppositeProperty: virtualProperty,
		Cardinality: CardinalityOne,
	}
	virtual := &RelationEndPointDefinition{
		Class: virtualClass, Property: virtualProperty,
		OppositeClass: fkClass, OppositeProperty: fkProperty,
		Cardinality: card, Virtual: true,
	}
	for _, opt := range opts {
		opt(fk, virtual)
	}
	b.addEndPoint(fk)
	b.addEndPoint(virtual)
	return b
}

// Build validates and returns the mapping.
func (b *MappingBuilder) Build() (*Mapping, error) {
	if len(b.errs) > 0 {
		return nil, MappingError{Problems: append([]string(nil), b.errs...)}
	}
	m := &Mapping{classes: b.classes, order: append([]ClassID(nil), b.order...)}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustBuild is Build for statically known mappings; it panics on error.
func (b *MappingBuilder) MustBuild() *Mapping {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// MappingDocument is the JSON form of a mapping.
type MappingDocument struct {
	Mixins    []MixinDocument    `json:"mixins,omitempty"`
	Classes   []ClassDocument    `json:"classes"`
	Relations []RelationDocument `json:"relations"`
}

// ClassDocument is the JSON form of a class declaration.
type ClassDocument struct {
	ID         ClassID            `json:"id"`
	Properties []PropertyDocument `json:"properties"`
	Mixins     []string           `json:"mixins,omitempty"`
}

// MixinDocument is the JSON form of a mixin declaration.
type MixinDocument struct {
	Name       string             `json:"name"`
	Properties []PropertyDocument `json:"properties"`
}

// PropertyDocument is the JSON form of a scalar property.
type PropertyDocument struct {
	Name     string       `json:"name"`
	Type     PropertyType `json:"type"`
	Nullable bool         `json:"nullable,omitempty"`
}

// RelationDocument is the JSON form of a relation declaration. Kind is one of
// "one-to-many", "one-to-one" or "unidirectional".
type RelationDocument struct {
	Kind              string  `json:"kind"`
	Class             ClassID `json:"class"`
	Property          string  `json:"property"`
	OppositeClass     ClassID `json:"opposite_class"`
	OppositeProperty  string  `json:"opposite_property,omitempty"`
	Mandatory         bool    `json:"mandatory,omitempty"`
	OppositeMandatory bool    `json:"opposite_mandatory,omitempty"`
}

// LoadMappingJSON decodes and builds a mapping from its JSON document form.
func LoadMappingJSON(r io.Reader) (*Mapping, error) {
	var doc MappingDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return doc.Build()
}

// Build converts the document into a validated mapping.
func (doc MappingDocument) Build() (*Mapping, error) {
	b := NewMappingBuilder()
	mixins := make(map[string]Mixin, len(doc.Mixins))
	for _, md := range doc.Mixins {
		m := Mixin{Name: md.Name}
		for _, p := range md.Properties {
			m.Properties = append(m.Properties, PropertyDefinition{Name: p.Name, Type: p.Type, Nullable: p.Nullable})
		}
		mixins[md.Name] = m
	}
	for _, c := range doc.Classes {
		cb := b.Class(c.ID)
		for _, p := range c.Properties {
			var opts []PropertyOption
			if p.Nullable {
				opts = append(opts, Nullable())
			}
			cb.Property(p.Name, p.Type, opts...)
		}
		for _, name := range c.Mixins {
			m, ok := mixins[name]
			if !ok {
				b.errs = append(b.errs, fmt.Sprintf("%s: unknown mixin %q", c.ID, name))
				continue
			}
			cb.Mixin(m)
		}
	}
	for _, r := range doc.Relations {
		var opts []RelationOption
		if r.Mandatory {
			opts = append(opts, MandatoryForeignKey())
		}
		if r.OppositeMandatory {
			opts = append(opts, MandatoryOpposite())
		}
		switch r.Kind {
		case "one-to-many":
			b.OneToMany(r.Class, r.Property, r.OppositeClass, r.OppositeProperty, opts...)
		case "one-to-one":
			b.OneToOne(r.Class, r.Property, r.OppositeClass, r.OppositeProperty, opts...)
		case "unidirectional":
			b.Unidirectional(r.Class, r.Property, r.OppositeClass, opts...)
		default:
			b.errs = append(b.errs, fmt.Sprintf("%s.%s: unknown relation kind %q", r.Class, r.Property, r.Kind))
		}
	}
	return b.Build()
}
