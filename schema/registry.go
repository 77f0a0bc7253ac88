package schema

import (
	"fmt"
	"strings"

	"github.com/quarrydb/quarry"
)

// Registry is the catalog of record types, keyed by type name. It is
// built once and then treated as read-only; all query-engine components
// receive it explicitly rather than reading ambient global state.
type Registry struct {
	types map[string]*Type
	order []string
}

// NewRegistry builds a Registry from the given types and validates all
// relation targets and join columns against the assembled catalog.
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{types: make(map[string]*Type, len(types))}
	for _, t := range types {
		if _, ok := r.types[t.Name]; ok {
			return nil, fmt.Errorf("schema: duplicate type %q", t.Name)
		}
		r.types[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	for _, t := range types {
		for _, rel := range t.Relations() {
			target, ok := r.types[rel.Target]
			if !ok {
				return nil, fmt.Errorf("schema: type %s: relation %q targets unknown type %q", t.Name, rel.Name, rel.Target)
			}
			local, remote := t, target
			if rel.LocalColumn == "" || rel.RemoteColumn == "" {
				return nil, fmt.Errorf("schema: type %s: relation %q is missing join columns", t.Name, rel.Name)
			}
			if !local.hasColumn(rel.LocalColumn) {
				return nil, fmt.Errorf("schema: type %s: relation %q references unknown local column %q", t.Name, rel.Name, rel.LocalColumn)
			}
			if !remote.hasColumn(rel.RemoteColumn) {
				return nil, fmt.Errorf("schema: type %s: relation %q references unknown remote column %q on %s", t.Name, rel.Name, rel.RemoteColumn, rel.Target)
			}
		}
	}
	return r, nil
}

func (t *Type) hasColumn(column string) bool {
	for _, f := range t.fields {
		if f.Column == column {
			return true
		}
	}
	return false
}

// Type returns the named record type, or an error if unknown.
func (r *Registry) Type(name string) (*Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("schema: unknown type %q", name)
	}
	return t, nil
}

// Types returns the type names in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolveField resolves a plain field name on the given type.
func (r *Registry) ResolveField(typeName, field string) (*Field, error) {
	t, err := r.Type(typeName)
	if err != nil {
		return nil, err
	}
	f := t.Field(field)
	if f == nil {
		return nil, quarry.NewFieldError(typeName, field, field)
	}
	return f, nil
}

// ResolveRelation resolves a relation name on the given type.
func (r *Registry) ResolveRelation(typeName, relation string) (*Relation, error) {
	t, err := r.Type(typeName)
	if err != nil {
		return nil, err
	}
	rel := t.Relation(relation)
	if rel == nil {
		return nil, quarry.NewFieldError(typeName, relation, relation)
	}
	return rel, nil
}

// Hop is one resolved segment of a relationship path.
type Hop struct {
	// Owner is the type the relation is declared on.
	Owner *Type
	// Relation is the traversed relation.
	Relation *Relation
	// Target is the resolved target type.
	Target *Type
}

// ResolvedPath is the result of resolving a dotted path: zero or more
// relation hops, optionally terminated by a field on the final type.
type ResolvedPath struct {
	// Root is the type resolution started from.
	Root *Type
	// Hops are the traversed relations, in order.
	Hops []Hop
	// Field is the terminal field, or nil if the path names a relation.
	Field *Field
}

// Terminal returns the type the path ends on.
func (p ResolvedPath) Terminal() *Type {
	if len(p.Hops) == 0 {
		return p.Root
	}
	return p.Hops[len(p.Hops)-1].Target
}

// RelNames returns the relation names of the hops, in order.
func (p ResolvedPath) RelNames() []string {
	out := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.Relation.Name
	}
	return out
}

// ResolvePath resolves a dotted path such as "author.publisher.name"
// starting from the named root type. Every prefix must name a valid
// relation; the final segment may name either a field or a relation
// (the latter is used for isnull lookups and eager loading). Resolution
// failures return a quarry.FieldError naming the offending segment.
func (r *Registry) ResolvePath(typeName, path string) (ResolvedPath, error) {
	root, err := r.Type(typeName)
	if err != nil {
		return ResolvedPath{}, err
	}
	rp := ResolvedPath{Root: root}
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			if f := cur.Field(seg); f != nil {
				rp.Field = f
				return rp, nil
			}
		}
		rel := cur.Relation(seg)
		if rel == nil {
			return ResolvedPath{}, quarry.NewFieldError(typeName, path, seg)
		}
		target, ok := r.types[rel.Target]
		if !ok {
			return ResolvedPath{}, fmt.Errorf("schema: relation %s.%s targets unknown type %q", cur.Name, seg, rel.Target)
		}
		rp.Hops = append(rp.Hops, Hop{Owner: cur, Relation: rel, Target: target})
		cur = target
	}
	return rp, nil
}
