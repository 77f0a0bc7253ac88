package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/dialect"
	"github.com/quarrydb/quarry/schema"
)

// Provenance records where a select-list column comes from, so the
// result mapper knows which output ranges belong to which record.
type Provenance int

const (
	// ProvRoot marks a field selected from the root record type.
	ProvRoot Provenance = iota
	// ProvRelated marks a field selected from an eager-loaded relation.
	ProvRelated
	// ProvAnnotation marks a named computed column.
	ProvAnnotation
	// ProvValue marks a column selected in flat values mode.
	ProvValue
)

// OutCol describes one column of the compiled select list.
type OutCol struct {
	// Name is the stable output name: the field name for root columns,
	// "path.field" for related columns, the annotation name otherwise.
	Name string
	// Provenance classifies the column.
	Provenance Provenance
	// RelPath is the eager-load path for ProvRelated columns.
	RelPath string
	// Field carries the catalog field for root/related/value columns;
	// nil for annotations.
	Field *schema.Field
}

// Compiled is a rendered statement: SQL text, ordered parameters, and
// the select plan consumed by the result mapper. Identical query states
// always compile to byte-identical SQL and parameter order for a given
// backend.
type Compiled struct {
	SQL  string
	Args []any
	Plan []OutCol
}

// compileMode selects the statement variant.
type compileMode int

const (
	modeSelect compileMode = iota
	modeCount
	modeExists
)

// Formatter carries the rendering context for one compilation: the
// backend capabilities, the alias resolution, the output buffer and the
// ordered parameter list.
type Formatter struct {
	caps dialect.Capabilities
	res  *resolved
	sb   *strings.Builder
	args []any
}

func newFormatter(caps dialect.Capabilities, res *resolved) *Formatter {
	return &Formatter{caps: caps, res: res, sb: &strings.Builder{}}
}

func (f *Formatter) writeString(s string) { f.sb.WriteString(s) }

// writeParam appends the value to the parameter list and writes its
// placeholder. Literals never appear in the SQL text.
func (f *Formatter) writeParam(v any) {
	f.args = append(f.args, v)
	f.sb.WriteString(f.caps.Placeholder(len(f.args)))
}

func (f *Formatter) ident(s string) string { return f.caps.QuoteIdent(s) }

func (f *Formatter) qualified(alias, column string) string {
	return f.ident(alias) + "." + f.ident(column)
}

// writeColumn resolves a dotted path to an alias-qualified column and
// writes it. Annotation names are inlined as their expression.
func (f *Formatter) writeColumn(path string, group int) error {
	text, err := f.columnText(path, group)
	if err != nil {
		return err
	}
	f.writeString(text)
	return nil
}

// columnText renders a path to its column text without writing it.
// Parameters inside inlined annotation expressions are appended in
// place, preserving overall parameter order.
func (f *Formatter) columnText(path string, group int) (string, error) {
	if a, ok := f.res.s.annotationByName(path); ok {
		prev := f.sb
		f.sb = &strings.Builder{}
		err := a.expr.format(f)
		text := f.sb.String()
		f.sb = prev
		if err != nil {
			return "", err
		}
		return "(" + text + ")", nil
	}
	ref, err := f.res.columnRef(path, group)
	if err != nil {
		return "", err
	}
	return f.qualified(ref.alias, ref.column), nil
}

// compile renders the state into a statement for the given mode.
func compile(s *state, caps dialect.Capabilities, mode compileMode) (*Compiled, error) {
	if caps.QuoteIdent == nil || caps.Placeholder == nil || caps.BoolLiteral == nil {
		return nil, fmt.Errorf("query: incomplete capability descriptor for dialect %q", caps.Name)
	}
	res, err := resolve(s)
	if err != nil {
		return nil, err
	}
	if len(res.exists) > 0 && !caps.SupportsSubquery {
		return nil, quarry.NewCapabilityError(caps.Name, "correlated subqueries (EXISTS)")
	}
	f := newFormatter(caps, res)
	whereQ, havingQ := splitHaving(s)

	switch mode {
	case modeCount:
		return compileCount(s, f, whereQ, havingQ)
	case modeExists:
		return compileExists(s, f, whereQ, havingQ)
	}

	plan, err := writeSelectList(s, f)
	if err != nil {
		return nil, err
	}
	if err := writeFromJoins(s, f); err != nil {
		return nil, err
	}
	if err := writeWhere(f, whereQ); err != nil {
		return nil, err
	}
	if err := writeGroupBy(s, f, plan); err != nil {
		return nil, err
	}
	if err := writeHaving(f, havingQ); err != nil {
		return nil, err
	}
	hasOrder, err := writeOrderBy(s, f)
	if err != nil {
		return nil, err
	}
	if err := writeLimitOffset(f, s.limit, s.offset, hasOrder); err != nil {
		return nil, err
	}
	return &Compiled{SQL: f.sb.String(), Args: f.args, Plan: plan}, nil
}

// writeSelectList writes the SELECT clause and returns the select plan.
func writeSelectList(s *state, f *Formatter) ([]OutCol, error) {
	f.writeString("SELECT ")
	if s.distinct {
		f.writeString("DISTINCT ")
	}
	var (
		plan  []OutCol
		first = true
	)
	comma := func() {
		if !first {
			f.writeString(", ")
		}
		first = false
	}
	if s.valuesMode && len(s.valuesFields) > 0 {
		for _, path := range s.valuesFields {
			comma()
			if err := f.writeColumn(path, 0); err != nil {
				return nil, err
			}
			col := OutCol{Name: path, Provenance: ProvValue}
			if ref, err := f.res.columnRef(path, 0); err == nil {
				col.Field = ref.field
			}
			plan = append(plan, col)
		}
	} else {
		for _, fld := range s.root.Fields() {
			comma()
			f.writeString(f.qualified(f.res.rootAlias, fld.Column))
			prov := ProvRoot
			if s.valuesMode {
				prov = ProvValue
			}
			plan = append(plan, OutCol{Name: fld.Name, Provenance: prov, Field: fld})
		}
		for _, relPath := range expandRelated(s.related) {
			rp, err := s.reg.ResolvePath(s.rootName, relPath)
			if err != nil {
				return nil, err
			}
			if rp.Field != nil {
				return nil, quarry.NewCompositionError("eager-load "+relPath, "path ends on a field, not a relation")
			}
			ref, err := f.res.columnRef(relPath, 0)
			if err != nil {
				return nil, err
			}
			for _, fld := range rp.Terminal().Fields() {
				comma()
				f.writeString(f.qualified(ref.alias, fld.Column))
				plan = append(plan, OutCol{
					Name:       relPath + "." + fld.Name,
					Provenance: ProvRelated,
					RelPath:    relPath,
					Field:      fld,
				})
			}
		}
	}
	for _, a := range s.annotations {
		comma()
		if err := a.expr.format(f); err != nil {
			return nil, err
		}
		f.writeString(" AS " + f.ident(a.name))
		plan = append(plan, OutCol{Name: a.name, Provenance: ProvAnnotation})
	}
	if first {
		// values mode with no fields and no annotations has nothing to
		// select; fall back to the root primary key.
		pk := s.root.PK()
		f.writeString(f.qualified(f.res.rootAlias, pk.Column))
		plan = append(plan, OutCol{Name: pk.Name, Provenance: ProvValue, Field: pk})
	}
	return plan, nil
}

// expandRelated returns the eager-load paths with every missing prefix
// inserted before its descendants, preserving first-reference order.
func expandRelated(related []string) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	for _, path := range related {
		segs := strings.Split(path, ".")
		for i := range segs {
			prefix := strings.Join(segs[:i+1], ".")
			if !seen[prefix] {
				seen[prefix] = true
				out = append(out, prefix)
			}
		}
	}
	return out
}

// writeFromJoins writes the FROM clause and the joins in dependency
// order.
func writeFromJoins(s *state, f *Formatter) error {
	f.writeString(" FROM " + f.ident(s.root.Table))
	for _, j := range f.res.joins {
		f.writeString(" " + j.kind.String() + " " + f.ident(j.table) + " AS " + f.ident(j.alias))
		f.writeString(" ON " + f.qualified(j.alias, j.remoteCol) + " = " + f.qualified(j.parentAlias, j.localCol))
	}
	return nil
}

func writeWhere(f *Formatter, q Q) error {
	if q.Empty() {
		return nil
	}
	f.writeString(" WHERE ")
	return renderQ(f, q, q.op)
}

func writeHaving(f *Formatter, q Q) error {
	if q.Empty() {
		return nil
	}
	f.writeString(" HAVING ")
	return renderQ(f, q, q.op)
}

// writeGroupBy writes GROUP BY whenever an aggregate annotation is
// selected alongside non-aggregated columns. Grouping covers every
// non-annotation select column, in select order.
func writeGroupBy(s *state, f *Formatter, plan []OutCol) error {
	if !s.hasAggregate() {
		return nil
	}
	var cols []string
	for _, c := range plan {
		if c.Provenance == ProvAnnotation {
			continue
		}
		switch c.Provenance {
		case ProvRoot:
			cols = append(cols, f.qualified(f.res.rootAlias, c.Field.Column))
		case ProvRelated:
			ref, err := f.res.columnRef(c.RelPath, 0)
			if err != nil {
				return err
			}
			cols = append(cols, f.qualified(ref.alias, c.Field.Column))
		case ProvValue:
			text, err := f.columnText(c.Name, 0)
			if err != nil {
				// Root-field fallbacks in values mode carry the field.
				if c.Field != nil {
					text = f.qualified(f.res.rootAlias, c.Field.Column)
				} else {
					return err
				}
			}
			cols = append(cols, text)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	f.writeString(" GROUP BY " + strings.Join(cols, ", "))
	return nil
}

// writeOrderBy writes the ORDER BY clause. Terms reference field paths
// or annotation names; a leading '-' selects descending order.
func writeOrderBy(s *state, f *Formatter) (bool, error) {
	if len(s.ordering) == 0 {
		return false, nil
	}
	f.writeString(" ORDER BY ")
	for i, term := range s.ordering {
		if i > 0 {
			f.writeString(", ")
		}
		name := term
		dir := " ASC"
		if strings.HasPrefix(term, "-") {
			name = term[1:]
			dir = " DESC"
		}
		if _, ok := s.annotationByName(name); ok {
			// Annotations are aliased in the select list; order by the
			// alias so the expression renders once.
			f.writeString(f.ident(name))
		} else if err := f.writeColumn(name, 0); err != nil {
			return false, err
		}
		f.writeString(dir)
	}
	return true, nil
}

// writeLimitOffset writes pagination using the backend's declared
// syntax.
func writeLimitOffset(f *Formatter, limit, offset *int, hasOrder bool) error {
	if limit == nil && offset == nil {
		return nil
	}
	switch f.caps.LimitOffset {
	case dialect.OffsetFetch:
		if !hasOrder {
			return quarry.NewCapabilityError(f.caps.Name, "pagination without ORDER BY")
		}
		off := 0
		if offset != nil {
			off = *offset
		}
		f.writeString(" OFFSET " + strconv.Itoa(off) + " ROWS")
		if limit != nil {
			f.writeString(" FETCH NEXT " + strconv.Itoa(*limit) + " ROWS ONLY")
		}
	case dialect.LimitRequiredWithOffset:
		if limit != nil {
			f.writeString(" LIMIT " + strconv.Itoa(*limit))
		} else if offset != nil {
			// MySQL cannot express OFFSET without LIMIT.
			f.writeString(" LIMIT 18446744073709551615")
		}
		if offset != nil {
			f.writeString(" OFFSET " + strconv.Itoa(*offset))
		}
	default:
		if limit != nil {
			f.writeString(" LIMIT " + strconv.Itoa(*limit))
		}
		if offset != nil {
			f.writeString(" OFFSET " + strconv.Itoa(*offset))
		}
	}
	return nil
}

// splitHaving partitions the constraint tree into pre-aggregation
// (WHERE) and post-aggregation (HAVING) parts. A subtree referencing an
// aggregate annotation moves to HAVING whole.
func splitHaving(s *state) (where, having Q) {
	if !s.hasAggregate() {
		return s.where, Q{op: opAnd}
	}
	aggRef := func(c *Cond) bool {
		if a, ok := s.annotationByName(c.Path); ok && a.expr.aggregate() {
			return true
		}
		if e, ok := c.Value.(Expr); ok && e.aggregate() {
			return true
		}
		return false
	}
	subtreeHasAggRef := func(q Q) bool {
		found := false
		q.walk(true, false, func(c *Cond, _, _ bool) {
			if aggRef(c) {
				found = true
			}
		})
		return found
	}
	root := s.where
	if root.op != opAnd || root.negated {
		if subtreeHasAggRef(root) {
			return Q{op: opAnd}, root
		}
		return root, Q{op: opAnd}
	}
	where = Q{op: opAnd}
	having = Q{op: opAnd}
	for _, c := range root.children {
		var sub Q
		if c.cond != nil {
			sub = leaf(c.cond)
		} else {
			sub = *c.group
		}
		if subtreeHasAggRef(sub) {
			having.children = append(having.children, c)
		} else {
			where.children = append(where.children, c)
		}
	}
	return where, having
}

// renderQ renders a constraint tree with minimal parenthesization:
// parentheses appear only where combinator nesting changes precedence
// or a group is negated.
func renderQ(f *Formatter, q Q, parentOp string) error {
	if q.negated {
		// A negated single paired-rule leaf renders its paired form
		// instead of a NOT wrap.
		if len(q.children) == 1 && q.children[0].cond != nil {
			c := q.children[0].cond
			if !f.res.exists[c] {
				if lk, err := leafLookup(f, c); err == nil && lk.negRender != nil {
					col, err := f.columnText(c.Path, c.joinGroup)
					if err != nil {
						return err
					}
					return lk.negRender(f, col, c)
				}
			}
		}
		f.writeString("NOT (")
		inner := q
		inner.negated = false
		if err := renderQ(f, inner, inner.op); err != nil {
			return err
		}
		f.writeString(")")
		return nil
	}
	if len(q.children) == 0 {
		// Empty AND matches everything; empty OR matches nothing.
		f.writeString(f.caps.BoolLiteral(q.op == opAnd))
		return nil
	}
	sep := " " + q.op + " "
	for i, c := range q.children {
		if i > 0 {
			f.writeString(sep)
		}
		if c.cond != nil {
			if err := renderLeaf(f, c.cond); err != nil {
				return err
			}
			continue
		}
		child := *c.group
		parens := child.negated || len(child.children) > 1 && child.op != q.op || len(child.children) == 0
		if parens && !child.negated {
			f.writeString("(")
		}
		if err := renderQ(f, child, q.op); err != nil {
			return err
		}
		if parens && !child.negated {
			f.writeString(")")
		}
	}
	return nil
}

func leafLookup(f *Formatter, c *Cond) (lookup, error) {
	if _, ok := f.res.s.annotationByName(c.Path); ok {
		lk, ok := lookups[c.Op]
		if !ok {
			return lookup{}, quarry.NewLookupError(c.Op, c.Path, "annotation")
		}
		return lk, nil
	}
	rp, err := f.res.s.reg.ResolvePath(f.res.s.rootName, c.Path)
	if err != nil {
		return lookup{}, err
	}
	var kind schema.Kind
	isRelation := rp.Field == nil
	if !isRelation {
		kind = rp.Field.Kind
	}
	return lookupFor(c.Op, c.Path, kind, isRelation)
}

func renderLeaf(f *Formatter, c *Cond) error {
	if f.res.exists[c] {
		return renderExists(f, c)
	}
	lk, err := leafLookup(f, c)
	if err != nil {
		return err
	}
	col, err := f.columnText(c.Path, c.joinGroup)
	if err != nil {
		return err
	}
	return lk.render(f, col, c)
}

// renderExists renders a multi-valued condition as a correlated EXISTS
// subquery against the outer root alias, so the outer row set is never
// multiplied by the to-many relation.
func renderExists(f *Formatter, c *Cond) error {
	s := f.res.s
	rp, err := s.reg.ResolvePath(s.rootName, c.Path)
	if err != nil {
		return err
	}
	if len(rp.Hops) == 0 {
		return fmt.Errorf("query: exists strategy on non-relational path %q", c.Path)
	}
	f.writeString("EXISTS (SELECT 1 FROM ")
	aliases := make([]string, len(rp.Hops))
	for i, hop := range rp.Hops {
		aliases[i] = "s" + strconv.Itoa(i+1)
		if i == 0 {
			f.writeString(f.ident(hop.Target.Table) + " AS " + f.ident(aliases[0]))
			continue
		}
		f.writeString(" JOIN " + f.ident(hop.Target.Table) + " AS " + f.ident(aliases[i]))
		f.writeString(" ON " + f.qualified(aliases[i], hop.Relation.RemoteColumn) + " = " + f.qualified(aliases[i-1], hop.Relation.LocalColumn))
	}
	first := rp.Hops[0]
	f.writeString(" WHERE " + f.qualified(aliases[0], first.Relation.RemoteColumn) + " = " + f.qualified(f.res.rootAlias, first.Relation.LocalColumn))
	f.writeString(" AND ")
	var (
		kind       schema.Kind
		isRelation = rp.Field == nil
		col        string
	)
	last := len(rp.Hops) - 1
	if !isRelation {
		kind = rp.Field.Kind
		col = f.qualified(aliases[last], rp.Field.Column)
	} else {
		col = f.qualified(aliases[last], rp.Hops[last].Relation.RemoteColumn)
	}
	lk, err := lookupFor(c.Op, c.Path, kind, isRelation)
	if err != nil {
		return err
	}
	if err := lk.render(f, col, c); err != nil {
		return err
	}
	f.writeString(")")
	return nil
}

// compileCount renders the optimized COUNT variant: no select list
// beyond COUNT(*), no ORDER BY. Distinct, sliced or grouped queries are
// counted through a subquery so the semantics match the row set.
func compileCount(s *state, f *Formatter, whereQ, havingQ Q) (*Compiled, error) {
	wrap := s.distinct || s.limit != nil || s.offset != nil || s.hasAggregate()
	if !wrap {
		f.writeString("SELECT COUNT(*)")
		if err := writeFromJoins(s, f); err != nil {
			return nil, err
		}
		if err := writeWhere(f, whereQ); err != nil {
			return nil, err
		}
		return &Compiled{SQL: f.sb.String(), Args: f.args, Plan: countPlan()}, nil
	}
	if !f.caps.SupportsSubquery {
		return nil, quarry.NewCapabilityError(f.caps.Name, "subquery (COUNT over a restricted row set)")
	}
	f.writeString("SELECT COUNT(*) FROM (")
	plan, err := writeSelectList(s, f)
	if err != nil {
		return nil, err
	}
	if err := writeFromJoins(s, f); err != nil {
		return nil, err
	}
	if err := writeWhere(f, whereQ); err != nil {
		return nil, err
	}
	if err := writeGroupBy(s, f, plan); err != nil {
		return nil, err
	}
	if err := writeHaving(f, havingQ); err != nil {
		return nil, err
	}
	// Pagination must still restrict the counted set; ordering is
	// irrelevant to COUNT and dropped.
	if s.limit != nil || s.offset != nil {
		hasOrder, err := writeOrderBy(s, f)
		if err != nil {
			return nil, err
		}
		if err := writeLimitOffset(f, s.limit, s.offset, hasOrder); err != nil {
			return nil, err
		}
	}
	f.writeString(") AS " + f.ident("subquery"))
	return &Compiled{SQL: f.sb.String(), Args: f.args, Plan: countPlan()}, nil
}

func countPlan() []OutCol {
	return []OutCol{{Name: "count", Provenance: ProvAnnotation}}
}

// compileExists renders the optimized EXISTS variant: a single constant
// column, no ORDER BY, at most one row. Distinct, sliced or grouped
// queries probe a subquery so the existence check matches the row set
// the select variant would return.
func compileExists(s *state, f *Formatter, whereQ, havingQ Q) (*Compiled, error) {
	existsPlan := []OutCol{{Name: "exists", Provenance: ProvAnnotation}}
	top := f.caps.LimitOffset == dialect.OffsetFetch
	wrap := s.distinct || s.limit != nil || s.offset != nil || s.hasAggregate()
	if !wrap {
		if top {
			f.writeString("SELECT TOP 1 1")
		} else {
			f.writeString("SELECT 1")
		}
		if err := writeFromJoins(s, f); err != nil {
			return nil, err
		}
		if err := writeWhere(f, whereQ); err != nil {
			return nil, err
		}
		if !top {
			f.writeString(" LIMIT 1")
		}
		return &Compiled{SQL: f.sb.String(), Args: f.args, Plan: existsPlan}, nil
	}
	if !f.caps.SupportsSubquery {
		return nil, quarry.NewCapabilityError(f.caps.Name, "subquery (EXISTS over a restricted row set)")
	}
	if top {
		f.writeString("SELECT TOP 1 1 FROM (")
	} else {
		f.writeString("SELECT 1 FROM (")
	}
	plan, err := writeSelectList(s, f)
	if err != nil {
		return nil, err
	}
	if err := writeFromJoins(s, f); err != nil {
		return nil, err
	}
	if err := writeWhere(f, whereQ); err != nil {
		return nil, err
	}
	if err := writeGroupBy(s, f, plan); err != nil {
		return nil, err
	}
	if err := writeHaving(f, havingQ); err != nil {
		return nil, err
	}
	// Pagination must still restrict the probed set; ordering is
	// irrelevant to existence and dropped.
	if s.limit != nil || s.offset != nil {
		hasOrder, err := writeOrderBy(s, f)
		if err != nil {
			return nil, err
		}
		if err := writeLimitOffset(f, s.limit, s.offset, hasOrder); err != nil {
			return nil, err
		}
	}
	f.writeString(") AS " + f.ident("subquery"))
	if !top {
		f.writeString(" LIMIT 1")
	}
	return &Compiled{SQL: f.sb.String(), Args: f.args, Plan: existsPlan}, nil
}
