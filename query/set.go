package query

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/dialect"
	dsql "github.com/quarrydb/quarry/dialect/sql"
	"github.com/quarrydb/quarry/schema"
)

// Set is the chainable, lazily evaluated query builder. Every
// mutating-looking call returns a new Set wrapping a cloned query
// state; the receiver is never mutated, so sets can be shared read-only
// across goroutines up to the point of evaluation.
//
// Build errors (unknown fields, unsupported lookups, invalid
// composition) are detected inside the chain call that caused them and
// recorded on the returned Set; Err exposes the first one and every
// terminal reports it.
type Set struct {
	s *state

	// Evaluation memo. Concurrent first evaluation of one Set collapses
	// into a single round trip; clones never share memos.
	mu        sync.Mutex
	sf        singleflight.Group
	cached    []*Record
	evaluated bool
}

// Option configures a Set at construction.
type Option func(*state)

// WithDriver sets the driver used by the evaluation terminals.
func WithDriver(drv dialect.Driver) Option {
	return func(s *state) { s.drv = drv }
}

// WithCapabilities overrides the capability descriptor derived from the
// driver's dialect.
func WithCapabilities(caps dialect.Capabilities) Option {
	return func(s *state) {
		s.caps = caps
		s.capsSet = true
	}
}

// WithPlanCache attaches a compiled-plan cache consulted before every
// compilation.
func WithPlanCache(c *PlanCache) Option {
	return func(s *state) { s.cache = c }
}

// NewSet returns a Set over the named record type of the catalog.
func NewSet(reg *schema.Registry, typeName string, opts ...Option) *Set {
	s := &state{reg: reg, rootName: typeName, where: Q{op: opAnd}}
	root, err := reg.Type(typeName)
	if err != nil {
		s.err = err
	}
	s.root = root
	for _, opt := range opts {
		opt(s)
	}
	return &Set{s: s}
}

// Err returns the first build error recorded by the chain, if any.
func (set *Set) Err() error { return set.s.err }

// derive clones the state, applies fn, and wraps the result in a fresh
// Set. Once a build error is recorded the chain is inert.
func (set *Set) derive(fn func(ns *state)) *Set {
	ns := set.s.clone()
	if ns.err == nil {
		fn(ns)
	}
	return &Set{s: ns}
}

// fail records a build error on a derived Set.
func (set *Set) fail(err error) *Set {
	ns := set.s.clone()
	if ns.err == nil {
		ns.err = err
	}
	return &Set{s: ns}
}

func (set *Set) guardCompose(op string) error {
	if set.s.sliced {
		return quarry.NewCompositionError(op, "the set has been sliced; re-fetch before composing further")
	}
	return nil
}

// Filter returns a Set restricted to rows matching all the given
// constraint trees. Paths and operators are validated immediately.
func (set *Set) Filter(qs ...Q) *Set {
	return set.addConstraint("filter", false, qs)
}

// Exclude returns a Set restricted to rows matching none of the given
// constraint trees: the negation of Filter within the current row set.
func (set *Set) Exclude(qs ...Q) *Set {
	return set.addConstraint("exclude", true, qs)
}

// FilterIndependent is Filter with an independent-join request: the
// relationship paths inside qs do not reuse aliases allocated by other
// constraints, so the same relation can be matched against two
// different rows simultaneously.
func (set *Set) FilterIndependent(qs ...Q) *Set {
	if err := set.guardCompose("filter"); err != nil {
		return set.fail(err)
	}
	ns := set.s.clone()
	if ns.err != nil {
		return &Set{s: ns}
	}
	ns.joinGroups++
	group := ns.joinGroups
	// Stamp copies; the caller's trees (and slice) stay untouched.
	stamped := make([]Q, len(qs))
	for i, q := range qs {
		stamped[i] = q.withJoinGroup(group)
	}
	combined := And(stamped...)
	for _, c := range combined.conds() {
		if err := ns.validateCond(c); err != nil {
			ns.err = err
			return &Set{s: ns}
		}
	}
	ns.where = ns.where.add(combined)
	return &Set{s: ns}
}

func (set *Set) addConstraint(op string, negate bool, qs []Q) *Set {
	if err := set.guardCompose(op); err != nil {
		return set.fail(err)
	}
	return set.derive(func(ns *state) {
		combined := And(qs...)
		if negate {
			combined = Not(combined)
		}
		for _, c := range combined.conds() {
			if err := ns.validateCond(c); err != nil {
				ns.err = err
				return
			}
		}
		ns.where = ns.where.add(combined)
	})
}

// Annotate returns a Set with a named computed column appended to the
// output. The name must not collide with a field of the root type or a
// previous annotation. Annotations are available to OrderBy and to
// Filter; filters on aggregate annotations apply post-aggregation.
func (set *Set) Annotate(name string, e Expr) *Set {
	if err := set.guardCompose("annotate"); err != nil {
		return set.fail(err)
	}
	return set.derive(func(ns *state) {
		if ns.root != nil && ns.root.Field(name) != nil {
			ns.err = quarry.NewAnnotationError(name, "field")
			return
		}
		if _, ok := ns.annotationByName(name); ok {
			ns.err = quarry.NewAnnotationError(name, "annotation")
			return
		}
		if err := ns.validateExpr(e); err != nil {
			ns.err = err
			return
		}
		ns.annotations = append(ns.annotations, annotation{name: name, expr: e})
	})
}

// OrderBy returns a Set with the ordering list replaced. Terms name
// field paths or annotations; a leading '-' orders descending.
func (set *Set) OrderBy(terms ...string) *Set {
	if err := set.guardCompose("order"); err != nil {
		return set.fail(err)
	}
	return set.derive(func(ns *state) {
		for _, term := range terms {
			name := term
			if len(name) > 0 && name[0] == '-' {
				name = name[1:]
			}
			if _, ok := ns.annotationByName(name); ok {
				continue
			}
			if _, err := ns.reg.ResolvePath(ns.rootName, name); err != nil {
				ns.err = err
				return
			}
		}
		ns.ordering = terms
	})
}

// Distinct returns a Set with the distinct flag set.
func (set *Set) Distinct() *Set {
	if err := set.guardCompose("distinct"); err != nil {
		return set.fail(err)
	}
	return set.derive(func(ns *state) {
		ns.distinct = true
	})
}

// Slice returns a Set restricted to rows [lo, hi). Slicing is terminal:
// the result cannot be filtered, annotated or re-ordered, since the
// meaning of a filter applied after a limit is ambiguous.
func (set *Set) Slice(lo, hi int) *Set {
	if set.s.sliced {
		return set.fail(quarry.NewCompositionError("slice", "the set has already been sliced"))
	}
	if lo < 0 || hi < lo {
		return set.fail(quarry.NewCompositionError("slice", fmt.Sprintf("invalid bounds [%d:%d]", lo, hi)))
	}
	return set.derive(func(ns *state) {
		n := hi - lo
		ns.limit = &n
		if lo > 0 {
			ns.offset = &lo
		}
		ns.sliced = true
	})
}

// Limit returns a Set restricted to at most n rows. Like Slice, it is
// terminal.
func (set *Set) Limit(n int) *Set {
	if set.s.sliced {
		return set.fail(quarry.NewCompositionError("limit", "the set has already been sliced"))
	}
	if n < 0 {
		return set.fail(quarry.NewCompositionError("limit", fmt.Sprintf("negative limit %d", n)))
	}
	return set.derive(func(ns *state) {
		ns.limit = &n
		ns.sliced = true
	})
}

// Offset returns a Set skipping the first n rows. Like Slice, it is
// terminal.
func (set *Set) Offset(n int) *Set {
	if set.s.sliced {
		return set.fail(quarry.NewCompositionError("offset", "the set has already been sliced"))
	}
	if n < 0 {
		return set.fail(quarry.NewCompositionError("offset", fmt.Sprintf("negative offset %d", n)))
	}
	return set.derive(func(ns *state) {
		ns.offset = &n
		ns.sliced = true
	})
}

// Values switches the result mapper to flat-row mode, optionally
// restricted to the given field paths. Flat rows are consumed through
// Maps or Lists.
func (set *Set) Values(fields ...string) *Set {
	return set.derive(func(ns *state) {
		for _, path := range fields {
			rp, err := ns.reg.ResolvePath(ns.rootName, path)
			if err != nil {
				ns.err = err
				return
			}
			if rp.Field == nil {
				ns.err = quarry.NewCompositionError("values", fmt.Sprintf("path %q names a relation, not a field", path))
				return
			}
		}
		ns.valuesMode = true
		ns.valuesFields = fields
	})
}

// Related returns a Set that eagerly loads the given to-one relation
// paths alongside the root records. Loaded records appear in
// Record.Related; a NULL outer-joined relation maps to a nil entry.
func (set *Set) Related(paths ...string) *Set {
	return set.derive(func(ns *state) {
		for _, path := range paths {
			rp, err := ns.reg.ResolvePath(ns.rootName, path)
			if err != nil {
				ns.err = err
				return
			}
			if rp.Field != nil {
				ns.err = quarry.NewCompositionError("related", fmt.Sprintf("path %q names a field, not a relation", path))
				return
			}
			for _, hop := range rp.Hops {
				if hop.Relation.Cardinality == schema.ToMany {
					ns.err = quarry.NewCompositionError("related", fmt.Sprintf("path %q traverses to-many relation %q", path, hop.Relation.Name))
					return
				}
			}
			ns.related = append(ns.related, path)
		}
	})
}

// capsFor returns the capability descriptor to compile against.
func (s *state) capsFor() (dialect.Capabilities, error) {
	if s.capsSet {
		return s.caps, nil
	}
	if s.drv != nil {
		return dialect.By(s.drv.Dialect())
	}
	return dialect.Capabilities{}, fmt.Errorf("query: no driver or capabilities configured")
}

// Compile renders the SELECT statement for the given backend without
// executing it. Identical sets compile to byte-identical output.
func (set *Set) Compile(caps dialect.Capabilities) (*Compiled, error) {
	if err := set.s.err; err != nil {
		return nil, err
	}
	return set.compileMode(caps, modeSelect)
}

// SQL renders the SELECT statement against the configured driver's
// dialect.
func (set *Set) SQL() (string, []any, error) {
	caps, err := set.s.capsFor()
	if err != nil {
		return "", nil, err
	}
	c, err := set.Compile(caps)
	if err != nil {
		return "", nil, err
	}
	return c.SQL, c.Args, nil
}

// Fingerprint returns a stable digest of the query against the
// configured backend, usable as a cache key.
func (set *Set) Fingerprint() (string, error) {
	if err := set.s.err; err != nil {
		return "", err
	}
	caps, err := set.s.capsFor()
	if err != nil {
		return "", err
	}
	return fingerprint(set.s, caps.Name, modeSelect)
}

func (set *Set) compileMode(caps dialect.Capabilities, mode compileMode) (*Compiled, error) {
	if set.s.cache == nil {
		return compile(set.s, caps, mode)
	}
	fp, err := fingerprint(set.s, caps.Name, mode)
	if err != nil {
		return nil, err
	}
	if plan, ok := set.s.cache.Get(fp); ok {
		return plan, nil
	}
	plan, err := compile(set.s, caps, mode)
	if err != nil {
		return nil, err
	}
	set.s.cache.Put(fp, plan)
	return plan, nil
}

func (set *Set) query(ctx context.Context, caps dialect.Capabilities, mode compileMode) (*Compiled, *dsql.Rows, error) {
	c, err := set.compileMode(caps, mode)
	if err != nil {
		return nil, nil, err
	}
	rows := &dsql.Rows{}
	// Backend errors surface unmodified: no retries, no wrapping.
	if err := set.s.drv.Query(ctx, c.SQL, c.Args, rows); err != nil {
		return nil, nil, err
	}
	return c, rows, nil
}

func (set *Set) precheck() (dialect.Capabilities, error) {
	if err := set.s.err; err != nil {
		return dialect.Capabilities{}, err
	}
	caps, err := set.s.capsFor()
	if err != nil {
		return dialect.Capabilities{}, err
	}
	if set.s.drv == nil {
		return dialect.Capabilities{}, fmt.Errorf("query: no driver configured")
	}
	return caps, nil
}

// All evaluates the set and returns its structured records. The first
// evaluation populates a per-Set cache; later calls return the cached
// slice. Concurrent first evaluations collapse into one round trip.
func (set *Set) All(ctx context.Context) ([]*Record, error) {
	if set.s.valuesMode {
		return nil, quarry.NewCompositionError("all", "the set is in values mode; use Maps or Lists")
	}
	set.mu.Lock()
	if set.evaluated {
		cached := set.cached
		set.mu.Unlock()
		return cached, nil
	}
	set.mu.Unlock()
	v, err, _ := set.sf.Do("all", func() (any, error) {
		caps, err := set.precheck()
		if err != nil {
			return nil, err
		}
		c, rows, err := set.query(ctx, caps, modeSelect)
		if err != nil {
			return nil, err
		}
		recs, err := mapRecords(set.s, c.Plan, rows)
		if err != nil {
			return nil, err
		}
		set.mu.Lock()
		set.cached = recs
		set.evaluated = true
		set.mu.Unlock()
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Record), nil
}

// First evaluates the set restricted to one row and returns it, or
// quarry.ErrNoRows when the set is empty.
func (set *Set) First(ctx context.Context) (*Record, error) {
	target := set
	if !set.s.sliced {
		target = set.Limit(1)
	}
	recs, err := target.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, quarry.ErrNoRows
	}
	return recs[0], nil
}

// Maps evaluates the set in flat-row mode and returns name-keyed rows.
func (set *Set) Maps(ctx context.Context) ([]map[string]any, error) {
	caps, err := set.precheck()
	if err != nil {
		return nil, err
	}
	c, rows, err := set.query(ctx, caps, modeSelect)
	if err != nil {
		return nil, err
	}
	return mapMaps(c.Plan, rows)
}

// Lists evaluates the set in flat-row mode and returns positional rows.
func (set *Set) Lists(ctx context.Context) ([][]any, error) {
	caps, err := set.precheck()
	if err != nil {
		return nil, err
	}
	c, rows, err := set.query(ctx, caps, modeSelect)
	if err != nil {
		return nil, err
	}
	return mapLists(c.Plan, rows)
}

// Count evaluates an optimized COUNT variant: no select list beyond the
// aggregate and no ORDER BY, rather than fetching and measuring rows.
func (set *Set) Count(ctx context.Context) (int64, error) {
	caps, err := set.precheck()
	if err != nil {
		return 0, err
	}
	_, rows, err := set.query(ctx, caps, modeCount)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("query: scan count: %w", err)
		}
	}
	return n, rows.Err()
}

// Exists evaluates an optimized EXISTS variant: a single constant
// column, no ORDER BY, at most one row.
func (set *Set) Exists(ctx context.Context) (bool, error) {
	caps, err := set.precheck()
	if err != nil {
		return false, err
	}
	_, rows, err := set.query(ctx, caps, modeExists)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
