package query

import (
	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/dialect"
	"github.com/quarrydb/quarry/schema"
)

// annotation is a named computed column added to the select list.
type annotation struct {
	name string
	expr Expr
}

// state is the canonical internal representation of one query: the
// constraint tree, annotations, ordering, grouping and slicing flags.
// Every chain call on a Set clones the state before mutating it, so a
// state is only ever written through exactly one Set instance. Join
// resolution and pruning happen at compile time, never eagerly.
type state struct {
	reg      *schema.Registry
	root     *schema.Type
	rootName string

	drv  dialect.Driver
	caps dialect.Capabilities
	// capsSet records whether caps was configured explicitly rather
	// than derived from the driver's dialect.
	capsSet bool

	cache *PlanCache

	where       Q
	annotations []annotation
	ordering    []string
	distinct    bool
	limit       *int
	offset      *int
	sliced      bool

	valuesMode   bool
	valuesFields []string
	related      []string

	// joinGroups counts the independent-join groups handed out so far.
	joinGroups int

	// err is the first build error recorded by a chain call. Once set,
	// further chain calls are no-ops and every terminal reports it.
	err error
}

// clone deep-copies the mutable parts of the state. Q trees and
// expressions are immutable once built and are shared.
func (s *state) clone() *state {
	ns := *s
	ns.annotations = append([]annotation(nil), s.annotations...)
	ns.ordering = append([]string(nil), s.ordering...)
	ns.valuesFields = append([]string(nil), s.valuesFields...)
	ns.related = append([]string(nil), s.related...)
	if s.limit != nil {
		v := *s.limit
		ns.limit = &v
	}
	if s.offset != nil {
		v := *s.offset
		ns.offset = &v
	}
	return &ns
}

// annotationByName returns the named annotation, if any.
func (s *state) annotationByName(name string) (annotation, bool) {
	for _, a := range s.annotations {
		if a.name == name {
			return a, true
		}
	}
	return annotation{}, false
}

// hasAggregate reports whether any annotation contains an aggregate.
func (s *state) hasAggregate() bool {
	for _, a := range s.annotations {
		if a.expr.aggregate() {
			return true
		}
	}
	return false
}

// validateCond resolves a condition's path against the catalog and the
// annotation list and checks the operator against the resolved type
// family. It is called by Filter/Exclude so mistakes surface at build
// time, not at evaluation.
func (s *state) validateCond(c *Cond) error {
	if _, ok := s.annotationByName(c.Path); ok {
		// Annotation references skip family validation; the expression's
		// type is not tracked.
		if _, ok := lookups[c.Op]; !ok {
			return quarry.NewLookupError(c.Op, c.Path, "annotation")
		}
		return nil
	}
	rp, err := s.reg.ResolvePath(s.rootName, c.Path)
	if err != nil {
		return err
	}
	var (
		kind       schema.Kind
		isRelation = rp.Field == nil
	)
	if !isRelation {
		kind = rp.Field.Kind
	}
	if _, err := lookupFor(c.Op, c.Path, kind, isRelation); err != nil {
		return err
	}
	// Column-to-column comparisons must also resolve at build time.
	if e, ok := c.Value.(Expr); ok {
		return s.validateExpr(e)
	}
	return nil
}

// validateExpr resolves every column reference inside an expression.
func (s *state) validateExpr(e Expr) error {
	var err error
	e.refs(func(path string) {
		if err != nil {
			return
		}
		if _, ok := s.annotationByName(path); ok {
			return
		}
		if _, rerr := s.reg.ResolvePath(s.rootName, path); rerr != nil {
			err = rerr
		}
	})
	return err
}
