// Package schema implements the field/relation catalog consumed by the
// query engine.
//
// A catalog is a Registry of record types. Each type exposes its columns
// (with their type family and nullability) and its named relations to
// other types. Relations reference their target by type name and are
// resolved lazily through the Registry, so self-referential and mutually
// referential types are fully supported.
//
// Registries are built once, either programmatically or from a YAML
// document (see LoadYAML), and then passed explicitly to query.NewSet.
package schema

import "fmt"

// Kind is the type family of a field. Lookup operators register against
// kinds, not concrete SQL types.
type Kind int

// Field type families.
const (
	String Kind = iota
	Int
	Float
	Bool
	Time
	UUID
	Bytes
)

// String returns the lower-case family name.
func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Time:
		return "time"
	case UUID:
		return "uuid"
	case Bytes:
		return "bytes"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Numeric reports whether the family is ordered-numeric.
func (k Kind) Numeric() bool { return k == Int || k == Float }

// Cardinality describes how many target rows a relation may reference.
type Cardinality int

const (
	// ToOne relations reference at most one target row.
	ToOne Cardinality = iota
	// ToMany relations reference any number of target rows.
	ToMany
)

// String returns the cardinality name.
func (c Cardinality) String() string {
	if c == ToMany {
		return "to-many"
	}
	return "to-one"
}

// Field describes one column of a record type.
type Field struct {
	// Name is the catalog name used in query paths.
	Name string
	// Column is the SQL column name. Defaults to Name.
	Column string
	// Kind is the field's type family.
	Kind Kind
	// Nullable reports whether the column accepts NULL.
	Nullable bool
	// PrimaryKey marks the type's key column. Exactly one per type.
	PrimaryKey bool
}

// Relation describes a named relationship to another record type.
type Relation struct {
	// Name is the catalog name used in query paths.
	Name string
	// Target is the target record type name, resolved lazily.
	Target string
	// Cardinality is ToOne or ToMany.
	Cardinality Cardinality
	// Nullable reports whether a ToOne relation may be absent. ToMany
	// relations are always traversed as optional.
	Nullable bool
	// LocalColumn is the join column on the owning side.
	LocalColumn string
	// RemoteColumn is the join column on the target side.
	RemoteColumn string
}

// Optional reports whether traversing the relation can produce no row,
// which makes the engine start the join as LEFT OUTER.
func (r Relation) Optional() bool {
	return r.Nullable || r.Cardinality == ToMany
}

// Type describes one record type: its table, fields and relations.
type Type struct {
	// Name is the record type name, e.g. "Book".
	Name string
	// Table is the SQL table name.
	Table string

	fields    []*Field
	relations []*Relation
	fieldIdx  map[string]*Field
	relIdx    map[string]*Relation
	pk        *Field
}

// NewType builds a Type from its parts. It validates that names are
// unique across fields and relations and that exactly one primary key is
// declared.
func NewType(name, table string, fields []*Field, relations []*Relation) (*Type, error) {
	t := &Type{
		Name:      name,
		Table:     table,
		fields:    fields,
		relations: relations,
		fieldIdx:  make(map[string]*Field, len(fields)),
		relIdx:    make(map[string]*Relation, len(relations)),
	}
	for _, f := range fields {
		if f.Column == "" {
			f.Column = f.Name
		}
		if _, ok := t.fieldIdx[f.Name]; ok {
			return nil, fmt.Errorf("schema: type %s: duplicate field %q", name, f.Name)
		}
		t.fieldIdx[f.Name] = f
		if f.PrimaryKey {
			if t.pk != nil {
				return nil, fmt.Errorf("schema: type %s: multiple primary keys (%q, %q)", name, t.pk.Name, f.Name)
			}
			t.pk = f
		}
	}
	if t.pk == nil {
		return nil, fmt.Errorf("schema: type %s: no primary key declared", name)
	}
	for _, r := range relations {
		if _, ok := t.fieldIdx[r.Name]; ok {
			return nil, fmt.Errorf("schema: type %s: relation %q collides with a field", name, r.Name)
		}
		if _, ok := t.relIdx[r.Name]; ok {
			return nil, fmt.Errorf("schema: type %s: duplicate relation %q", name, r.Name)
		}
		t.relIdx[r.Name] = r
	}
	return t, nil
}

// Fields returns the type's fields in declaration order.
func (t *Type) Fields() []*Field { return t.fields }

// Relations returns the type's relations in declaration order.
func (t *Type) Relations() []*Relation { return t.relations }

// Field returns the named field, or nil.
func (t *Type) Field(name string) *Field { return t.fieldIdx[name] }

// Relation returns the named relation, or nil.
func (t *Type) Relation(name string) *Relation { return t.relIdx[name] }

// PK returns the primary-key field.
func (t *Type) PK() *Field { return t.pk }
