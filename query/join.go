package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/schema"
)

// joinKind is the type of one join in the FROM clause.
type joinKind int

const (
	innerJoin joinKind = iota
	leftJoin
)

func (k joinKind) String() string {
	if k == leftJoin {
		return "LEFT OUTER JOIN"
	}
	return "JOIN"
}

// join is one table occurrence in the compiled FROM clause. Joins are
// kept in allocation order, which is also dependency order: a join's ON
// condition only ever references the root alias or earlier joins.
type join struct {
	alias       string
	table       string
	kind        joinKind
	parentAlias string
	localCol    string // column on the parent alias
	remoteCol   string // column on this alias
	key         string // group-qualified path prefix
}

// colRef is a fully resolved column reference.
type colRef struct {
	alias  string
	column string
	field  *schema.Field // nil when the path ends on a relation
}

// resolved is the output of join resolution: the finalized alias map and
// join list for one compilation of a state.
type resolved struct {
	s         *state
	rootAlias string
	joins     []*join
	byKey     map[string]*join
	cols      map[string]colRef // group-qualified full path -> column
	exists    map[*Cond]bool    // leaves compiled as correlated EXISTS
	counter   int
}

func pathKey(group int, path string) string {
	if group == 0 {
		return path
	}
	return strconv.Itoa(group) + "|" + path
}

// resolve walks every relationship path referenced by the state's
// constraint tree, annotations, ordering terms and eager-load requests,
// allocates aliases with default reuse, decides join types, promotes
// OUTER joins to INNER where constraints enforce a match, and prunes
// joins nothing references.
func resolve(s *state) (*resolved, error) {
	r := &resolved{
		s:         s,
		rootAlias: s.root.Table,
		byKey:     make(map[string]*join),
		cols:      make(map[string]colRef),
		exists:    make(map[*Cond]bool),
	}
	if err := r.planStrategies(); err != nil {
		return nil, err
	}
	// Reference order is fixed (constraints, annotations, ordering,
	// eager loads, values fields) so alias numbering is deterministic.
	var err error
	s.where.walk(true, false, func(c *Cond, _, _ bool) {
		if err != nil || r.exists[c] {
			return
		}
		if addErr := r.addCondRefs(c); addErr != nil {
			err = addErr
		}
	})
	if err != nil {
		return nil, err
	}
	for _, a := range s.annotations {
		a.expr.refs(func(path string) {
			if err == nil {
				err = r.addPath(path, 0)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	for _, term := range s.ordering {
		name := strings.TrimPrefix(term, "-")
		if _, ok := s.annotationByName(name); ok {
			continue
		}
		if err := r.addPath(name, 0); err != nil {
			return nil, err
		}
	}
	// The select list expands eager-load paths with their missing
	// prefixes; register the same expansion so every prefix resolves.
	for _, rel := range expandRelated(s.related) {
		if err := r.addPath(rel, 0); err != nil {
			return nil, err
		}
	}
	for _, fieldPath := range s.valuesFields {
		if err := r.addPath(fieldPath, 0); err != nil {
			return nil, err
		}
	}
	r.promote()
	r.prune()
	return r, nil
}

// planStrategies decides, per constraint leaf, whether it compiles as a
// join-backed predicate or as a correlated EXISTS subquery. EXISTS is
// used when the leaf traverses a to-many relation and either sits under
// a negation (so row multiplication would corrupt the complement), or
// the query aggregates across a different to-many path (so a naive join
// combination would inflate the aggregate).
func (r *resolved) planStrategies() error {
	s := r.s
	aggManyPaths := make(map[string]bool)
	for _, a := range s.annotations {
		if !a.expr.aggregate() {
			continue
		}
		var err error
		a.expr.refs(func(path string) {
			if err != nil {
				return
			}
			prefix, many, rerr := r.manyPrefix(path)
			if rerr != nil {
				err = rerr
				return
			}
			if many {
				aggManyPaths[prefix] = true
			}
		})
		if err != nil {
			return err
		}
	}
	var err error
	s.where.walk(true, false, func(c *Cond, _, negated bool) {
		if err != nil {
			return
		}
		if _, ok := s.annotationByName(c.Path); ok {
			return
		}
		prefix, many, rerr := r.manyPrefix(c.Path)
		if rerr != nil {
			err = rerr
			return
		}
		if !many {
			return
		}
		if negated || r.conflictsWith(aggManyPaths, prefix) {
			r.exists[c] = true
		}
	})
	return err
}

// manyPrefix reports whether the path traverses a to-many relation and
// returns the path prefix up to and including its first to-many hop.
func (r *resolved) manyPrefix(path string) (string, bool, error) {
	rp, err := r.s.reg.ResolvePath(r.s.rootName, path)
	if err != nil {
		return "", false, err
	}
	names := rp.RelNames()
	for i, h := range rp.Hops {
		if h.Relation.Cardinality == schema.ToMany {
			return strings.Join(names[:i+1], "."), true, nil
		}
	}
	return "", false, nil
}

// conflictsWith reports whether the leaf's to-many prefix differs from
// every aggregated to-many path. Filtering and aggregating over the
// same multi-valued relation keeps the join strategy; different
// relations would cross-multiply.
func (r *resolved) conflictsWith(aggManyPaths map[string]bool, prefix string) bool {
	if len(aggManyPaths) == 0 {
		return false
	}
	return !aggManyPaths[prefix]
}

// addCondRefs allocates joins for a leaf's own path and for any column
// references inside its right-hand side expression.
func (r *resolved) addCondRefs(c *Cond) error {
	if _, ok := r.s.annotationByName(c.Path); !ok {
		if err := r.addPath(c.Path, c.joinGroup); err != nil {
			return err
		}
	}
	if e, ok := c.Value.(Expr); ok {
		var err error
		e.refs(func(path string) {
			if err == nil {
				err = r.addPath(path, 0)
			}
		})
		return err
	}
	return nil
}

// addPath walks one dotted path segment by segment, reusing an existing
// alias for every prefix already seen (within the same join group) and
// allocating a new alias and join otherwise. A join starts LEFT OUTER
// when its relation is nullable-to-one or to-many, INNER otherwise.
func (r *resolved) addPath(path string, group int) error {
	rp, err := r.s.reg.ResolvePath(r.s.rootName, path)
	if err != nil {
		return err
	}
	parentAlias := r.rootAlias
	var prefix []string
	for _, hop := range rp.Hops {
		prefix = append(prefix, hop.Relation.Name)
		key := pathKey(group, strings.Join(prefix, "."))
		j, ok := r.byKey[key]
		if !ok {
			r.counter++
			kind := innerJoin
			if hop.Relation.Optional() {
				kind = leftJoin
			}
			j = &join{
				alias:       fmt.Sprintf("t%d", r.counter),
				table:       hop.Target.Table,
				kind:        kind,
				parentAlias: parentAlias,
				localCol:    hop.Relation.LocalColumn,
				remoteCol:   hop.Relation.RemoteColumn,
				key:         key,
			}
			r.byKey[key] = j
			r.joins = append(r.joins, j)
		}
		parentAlias = j.alias
	}
	fullKey := pathKey(group, path)
	if _, ok := r.cols[fullKey]; !ok {
		ref := colRef{alias: parentAlias}
		if rp.Field != nil {
			ref.column = rp.Field.Column
			ref.field = rp.Field
		} else {
			// Path ends on a relation (isnull lookups, eager loads):
			// reference the join's remote column.
			last := rp.Hops[len(rp.Hops)-1]
			ref.column = last.Relation.RemoteColumn
		}
		r.cols[fullKey] = ref
	}
	return nil
}

// promote scans the constraint tree and demotes LEFT OUTER joins to
// INNER wherever a leaf enforces a non-null match: a leaf combined under
// unconditional AND (not inside an OR branch or a negation) requires a
// matching row on its alias, so every OUTER join along its path chain is
// logically INNER and must compile as one. isnull-is-true leaves never
// promote; they explicitly accept the missing row.
func (r *resolved) promote() {
	r.s.where.walk(true, false, func(c *Cond, enforced, _ bool) {
		if !enforced || r.exists[c] {
			return
		}
		if c.Op == "isnull" {
			if isNull, ok := c.Value.(bool); ok && isNull {
				return
			}
		}
		if _, ok := r.s.annotationByName(c.Path); ok {
			return
		}
		segs := strings.Split(c.Path, ".")
		var prefix []string
		for _, seg := range segs {
			prefix = append(prefix, seg)
			if j, ok := r.byKey[pathKey(c.joinGroup, strings.Join(prefix, "."))]; ok {
				j.kind = innerJoin
			}
		}
	})
}

// prune drops joins that no constraint, annotation, ordering term or
// eager-load request references. Allocation is lazy, so this is usually
// a no-op, but composition can leave a join reachable only through a
// reference that later stopped rendering.
func (r *resolved) prune() {
	referenced := make(map[string]bool)
	for key := range r.cols {
		segs := strings.Split(key, ".")
		for i := range segs {
			referenced[strings.Join(segs[:i+1], ".")] = true
		}
	}
	kept := r.joins[:0]
	for _, j := range r.joins {
		keyNoField := j.key
		if referenced[keyNoField] || r.prefixOfReferenced(keyNoField) {
			kept = append(kept, j)
			continue
		}
		delete(r.byKey, j.key)
	}
	r.joins = kept
}

func (r *resolved) prefixOfReferenced(key string) bool {
	for full := range r.cols {
		if strings.HasPrefix(full, key+".") || full == key {
			return true
		}
	}
	return false
}

// columnRef returns the resolved column for a full path within a join
// group. The path must have been collected during resolve.
func (r *resolved) columnRef(path string, group int) (colRef, error) {
	if ref, ok := r.cols[pathKey(group, path)]; ok {
		return ref, nil
	}
	// Fall back to group 0: expression right-hand sides always resolve
	// against default aliases.
	if group != 0 {
		if ref, ok := r.cols[path]; ok {
			return ref, nil
		}
	}
	return colRef{}, quarry.NewFieldError(r.s.rootName, path, path)
}
