// Package catalog holds the relation metadata catalog: resolved model,
// field, and relation definitions, including cardinality, requiredness,
// and which side owns the foreign key or whether a join table mediates the
// relation. A catalog is read-only once built and is borrowed, never
// owned, by the write planner.
package catalog

import (
	"fmt"
	"sort"

	"github.com/go-openapi/inflect"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Cardinality is the one/one, one/many, many/many shape of a relation.
// For OneToMany, side A is by convention the "one" side: one A record is
// linked to many B records, and each B record to exactly one A.
type Cardinality string

// Supported cardinalities.
const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToMany Cardinality = "many_to_many"
)

// Linkage is the physical mechanism representing a relation: a foreign key
// column on one of the two models, or a join table.
type Linkage string

// Supported linkages.
const (
	ForeignKeyOnA Linkage = "foreign_key_a"
	ForeignKeyOnB Linkage = "foreign_key_b"
	JoinTable     Linkage = "join_table"
)

// CascadePolicy decides what happens to records linked to a deleted record.
type CascadePolicy string

// Supported cascade policies.
const (
	Restrict CascadePolicy = "restrict"
	Cascade  CascadePolicy = "cascade"
)

// Side identifies one of the two sides of a relation.
type Side int

// The two relation sides.
const (
	SideA Side = iota
	SideB
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// String returns "A" or "B".
func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// Field is a scalar field of a model.
type Field struct {
	Name      string `yaml:"name"`
	Column    string `yaml:"column,omitempty"`    // storage column, defaulted from Name
	Generated bool   `yaml:"generated,omitempty"` // value produced by storage on create
}

// Model is a named record type with scalar fields and a primary key.
// Relation fields are declared on the relations referencing the model, not
// on the model itself.
type Model struct {
	Name       string     `yaml:"name"`
	Table      string     `yaml:"table,omitempty"` // defaulted from Name
	Fields     []Field    `yaml:"fields"`
	PrimaryKey []string   `yaml:"primary_key"`
	Uniques    [][]string `yaml:"uniques,omitempty"`
}

// Field returns the scalar field with the given name.
func (m *Model) Field(name string) (*Field, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// Relation is a named edge between two models, or a model and itself.
type Relation struct {
	Name        string      `yaml:"name"`
	ModelA      string      `yaml:"model_a"`
	ModelB      string      `yaml:"model_b"`
	FieldA      string      `yaml:"field_a,omitempty"` // relation field on A pointing at B; empty for one-sided relations
	FieldB      string      `yaml:"field_b,omitempty"` // relation field on B pointing at A
	Cardinality Cardinality `yaml:"cardinality"`
	RequiredA   bool        `yaml:"required_a,omitempty"` // every A record must be linked to exactly one B
	RequiredB   bool        `yaml:"required_b,omitempty"` // every B record must be linked to exactly one A
	Linkage     Linkage     `yaml:"linkage"`
	ForeignKey  string      `yaml:"foreign_key,omitempty"` // FK column on the owning model, defaulted
	JoinTable   string      `yaml:"join_table,omitempty"`  // defaulted for many-to-many
	JoinColumnA string      `yaml:"join_column_a,omitempty"`
	JoinColumnB string      `yaml:"join_column_b,omitempty"`
	OnDelete    CascadePolicy `yaml:"on_delete,omitempty"` // defaulted to restrict
}

// Model returns the model name on the given side.
func (r *Relation) Model(s Side) string {
	if s == SideA {
		return r.ModelA
	}
	return r.ModelB
}

// Field returns the relation field name on the given side, possibly empty.
func (r *Relation) Field(s Side) string {
	if s == SideA {
		return r.FieldA
	}
	return r.FieldB
}

// Required reports whether a record on the given side must always have
// exactly one linked record on the other side.
func (r *Relation) Required(s Side) bool {
	if s == SideA {
		return r.RequiredA
	}
	return r.RequiredB
}

// ToMany reports whether a record on the given side sees many records on
// the other side.
func (r *Relation) ToMany(s Side) bool {
	switch r.Cardinality {
	case ManyToMany:
		return true
	case OneToMany:
		// A is the "one" side: one A record holds many B records.
		return s == SideA
	default:
		return false
	}
}

// OwnsForeignKey reports whether the model on the given side carries the
// relation's foreign key column.
func (r *Relation) OwnsForeignKey(s Side) bool {
	switch r.Linkage {
	case ForeignKeyOnA:
		return s == SideA
	case ForeignKeyOnB:
		return s == SideB
	default:
		return false
	}
}

// RelSide pairs a relation with one of its sides, addressing a single
// relation field.
type RelSide struct {
	Rel  *Relation
	Side Side
}

// Catalog indexes models and relations for lookup during planning.
type Catalog struct {
	models    map[string]*Model
	relations map[string]*Relation
	byField   map[string]map[string]RelSide // model name -> relation field -> side
	touching  map[string][]RelSide          // model name -> sides living on that model
}

// collator orders relation field names so traversal order is stable across
// runs and platforms.
var collator = collate.New(language.Und)

// New builds a catalog from the given models and relations, applying
// storage-name defaults and validating the invariants described on the
// types. The inputs are not copied and must not be mutated afterwards.
func New(models []*Model, relations []*Relation) (*Catalog, error) {
	c := &Catalog{
		models:    make(map[string]*Model, len(models)),
		relations: make(map[string]*Relation, len(relations)),
		byField:   make(map[string]map[string]RelSide),
		touching:  make(map[string][]RelSide),
	}
	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("catalog: model with empty name")
		}
		if _, ok := c.models[m.Name]; ok {
			return nil, fmt.Errorf("catalog: duplicate model %q", m.Name)
		}
		defaultModelNames(m)
		if err := validateModel(m); err != nil {
			return nil, err
		}
		c.models[m.Name] = m
	}
	for _, r := range relations {
		if _, ok := c.relations[r.Name]; ok {
			return nil, fmt.Errorf("catalog: duplicate relation %q", r.Name)
		}
		if err := c.defaultAndValidateRelation(r); err != nil {
			return nil, err
		}
		c.relations[r.Name] = r
		for _, s := range []Side{SideA, SideB} {
			rs := RelSide{Rel: r, Side: s}
			c.touching[r.Model(s)] = append(c.touching[r.Model(s)], rs)
			f := r.Field(s)
			if f == "" {
				continue
			}
			fields := c.byField[r.Model(s)]
			if fields == nil {
				fields = make(map[string]RelSide)
				c.byField[r.Model(s)] = fields
			}
			if _, ok := fields[f]; ok {
				return nil, fmt.Errorf("catalog: relation field %s.%s declared twice", r.Model(s), f)
			}
			fields[f] = rs
		}
	}
	return c, nil
}

func defaultModelNames(m *Model) {
	if m.Table == "" {
		m.Table = inflect.Underscore(inflect.Pluralize(m.Name))
	}
	for i := range m.Fields {
		if m.Fields[i].Column == "" {
			m.Fields[i].Column = inflect.Underscore(m.Fields[i].Name)
		}
	}
}

func validateModel(m *Model) error {
	if len(m.PrimaryKey) == 0 {
		return fmt.Errorf("catalog: model %q has no primary key", m.Name)
	}
	for _, pk := range m.PrimaryKey {
		if _, ok := m.Field(pk); !ok {
			return fmt.Errorf("catalog: model %q: primary key field %q not declared", m.Name, pk)
		}
	}
	for _, set := range m.Uniques {
		for _, f := range set {
			if _, ok := m.Field(f); !ok {
				return fmt.Errorf("catalog: model %q: unique field %q not declared", m.Name, f)
			}
		}
	}
	return nil
}

func (c *Catalog) defaultAndValidateRelation(r *Relation) error {
	ma, ok := c.models[r.ModelA]
	if !ok {
		return fmt.Errorf("catalog: relation %q: unknown model %q", r.Name, r.ModelA)
	}
	mb, ok := c.models[r.ModelB]
	if !ok {
		return fmt.Errorf("catalog: relation %q: unknown model %q", r.Name, r.ModelB)
	}
	if r.ModelA == r.ModelB && r.FieldA != "" && r.FieldA == r.FieldB {
		return fmt.Errorf("catalog: self-relation %q needs distinct field names", r.Name)
	}
	if r.OnDelete == "" {
		r.OnDelete = Restrict
	}
	switch r.Cardinality {
	case OneToOne:
		if r.Linkage != ForeignKeyOnA && r.Linkage != ForeignKeyOnB {
			return fmt.Errorf("catalog: one-to-one relation %q requires foreign key linkage", r.Name)
		}
	case OneToMany:
		if r.Linkage != ForeignKeyOnB {
			return fmt.Errorf("catalog: one-to-many relation %q requires the foreign key on the many (B) side", r.Name)
		}
		if r.RequiredA {
			return fmt.Errorf("catalog: relation %q: the to-many side cannot be required", r.Name)
		}
	case ManyToMany:
		if r.Linkage != JoinTable {
			return fmt.Errorf("catalog: many-to-many relation %q requires join table linkage", r.Name)
		}
		if r.RequiredA || r.RequiredB {
			return fmt.Errorf("catalog: relation %q: many-to-many sides cannot be required", r.Name)
		}
	default:
		return fmt.Errorf("catalog: relation %q: unknown cardinality %q", r.Name, r.Cardinality)
	}
	switch r.Linkage {
	case ForeignKeyOnA, ForeignKeyOnB:
		if r.ForeignKey == "" {
			ref := r.ModelB
			if r.Linkage == ForeignKeyOnB {
				ref = r.ModelA
			}
			r.ForeignKey = inflect.Underscore(ref) + "_id"
		}
	case JoinTable:
		if r.JoinTable == "" {
			r.JoinTable = ma.Table + "_" + mb.Table
		}
		if r.JoinColumnA == "" {
			r.JoinColumnA = inflect.Underscore(r.ModelA) + "_id"
		}
		if r.JoinColumnB == "" {
			r.JoinColumnB = inflect.Underscore(r.ModelB) + "_id"
		}
		if r.ModelA == r.ModelB && r.JoinColumnA == r.JoinColumnB {
			r.JoinColumnA += "_a"
			r.JoinColumnB += "_b"
		}
	default:
		return fmt.Errorf("catalog: relation %q: unknown linkage %q", r.Name, r.Linkage)
	}
	return nil
}

// Model returns the model with the given name.
func (c *Catalog) Model(name string) (*Model, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown model %q", name)
	}
	return m, nil
}

// Relation returns the relation with the given name.
func (c *Catalog) Relation(name string) (*Relation, error) {
	r, ok := c.relations[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown relation %q", name)
	}
	return r, nil
}

// RelationForField resolves a relation field declared on a model to the
// relation and the side the field lives on.
func (c *Catalog) RelationForField(model, field string) (RelSide, error) {
	if rs, ok := c.byField[model][field]; ok {
		return rs, nil
	}
	return RelSide{}, fmt.Errorf("catalog: model %q has no relation field %q", model, field)
}

// RelationFields returns the relation field names declared on a model, in
// stable collation order.
func (c *Catalog) RelationFields(model string) []string {
	fields := make([]string, 0, len(c.byField[model]))
	for f := range c.byField[model] {
		fields = append(fields, f)
	}
	collator.SortStrings(fields)
	return fields
}

// Touching returns every relation side living on the given model,
// including unnamed ones, in stable order by relation name then side.
// Used for cascade handling on delete.
func (c *Catalog) Touching(model string) []RelSide {
	out := append([]RelSide(nil), c.touching[model]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rel.Name != out[j].Rel.Name {
			return out[i].Rel.Name < out[j].Rel.Name
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// UniqueSelectorFields returns the field sets that uniquely address a
// record of the model: the primary key plus declared unique sets.
func (c *Catalog) UniqueSelectorFields(model string) ([][]string, error) {
	m, err := c.Model(model)
	if err != nil {
		return nil, err
	}
	sets := make([][]string, 0, 1+len(m.Uniques))
	sets = append(sets, m.PrimaryKey)
	sets = append(sets, m.Uniques...)
	return sets, nil
}

// CascadePolicy returns the on-delete policy of the named relation.
func (c *Catalog) CascadePolicy(relation string) (CascadePolicy, error) {
	r, err := c.Relation(relation)
	if err != nil {
		return "", err
	}
	return r.OnDelete, nil
}

// ValidSelector reports whether the given field set matches the primary
// key or a declared unique constraint of the model.
func (c *Catalog) ValidSelector(model string, fields []string) bool {
	sets, err := c.UniqueSelectorFields(model)
	if err != nil {
		return false
	}
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	for _, set := range sets {
		if len(set) != len(want) {
			continue
		}
		match := true
		for _, f := range set {
			if _, ok := want[f]; !ok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Selector is a set of field/value pairs that uniquely addresses an
// existing record without knowing its storage-internal identifier.
type Selector map[string]any

// Fields returns the selector's field names in sorted order.
func (s Selector) Fields() []string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
