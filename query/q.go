// Package query implements the query-construction and SQL-compilation
// engine: the constraint tree, expression tree, join resolution, the
// backend-specific compiler, and the chainable Set builder.
package query

// Combinators for constraint-tree groups.
const (
	opAnd = "AND"
	opOr  = "OR"
)

// Q is a boolean constraint tree: a combinator (AND/OR), an optional
// negation, and children that are either condition leaves or nested
// trees. Q values are immutable once built, so subtrees may be shared
// freely between cloned queries.
//
// An empty AND matches everything (a no-op); an empty OR matches
// nothing.
type Q struct {
	op       string
	negated  bool
	children []qchild
}

// qchild is either a leaf condition or a nested group. Exactly one of
// the two fields is set.
type qchild struct {
	cond  *Cond
	group *Q
}

// Cond is a single field-operator-value condition: the leaf of a
// constraint tree.
type Cond struct {
	// Path is the dotted relationship path ending in a field name, or in
	// a relation name for isnull lookups, or naming an annotation.
	Path string
	// Op is the lookup operator name, e.g. "exact" or "icontains".
	Op string
	// Value is the right-hand side: a literal, a []any for in/range, or
	// an Expr for column-to-column comparison.
	Value any

	// joinGroup requests independent join aliases when non-zero.
	// Conditions sharing a group share aliases with each other only.
	joinGroup int
}

// leaf wraps a single condition in an AND group.
func leaf(c *Cond) Q {
	return Q{op: opAnd, children: []qchild{{cond: c}}}
}

// And returns a tree matching rows that satisfy all the given trees.
func And(qs ...Q) Q {
	return combine(opAnd, qs)
}

// Or returns a tree matching rows that satisfy any of the given trees.
func Or(qs ...Q) Q {
	return combine(opOr, qs)
}

// Not returns the negation of the given tree.
func Not(q Q) Q {
	// Double negation unwraps instead of nesting.
	if q.negated {
		out := q
		out.negated = false
		return out
	}
	out := q
	out.negated = true
	return out
}

func combine(op string, qs []Q) Q {
	out := Q{op: op}
	for _, q := range qs {
		// No-op subtrees vanish under AND. Under OR they must be kept:
		// "anything OR x" is not "x".
		if op == opAnd && q.Empty() {
			continue
		}
		// Flatten same-combinator, non-negated groups to keep the tree
		// (and the rendered parenthesization) minimal.
		if q.op == op && !q.negated {
			out.children = append(out.children, q.children...)
			continue
		}
		q := q
		out.children = append(out.children, qchild{group: &q})
	}
	return out
}

// Empty reports whether the tree imposes no constraint. Only AND trees
// can be empty; an OR with no children matches nothing, which is a
// constraint of its own.
func (q Q) Empty() bool {
	if q.negated || q.op == opOr {
		return false
	}
	for _, c := range q.children {
		if c.cond != nil {
			return false
		}
		if !c.group.Empty() {
			return false
		}
	}
	return true
}

// add AND-combines extra into q and returns the combined tree. Used by
// Filter and, with a negated argument, by Exclude.
func (q Q) add(extra Q) Q {
	if q.Empty() {
		if extra.op == opAnd && !extra.negated {
			return extra
		}
		return Q{op: opAnd, children: []qchild{{group: &extra}}}
	}
	return And(q, extra)
}

// walk visits every leaf with the context of its position. enforced is
// true only while the walk has passed exclusively through AND groups
// with no negation and no OR branching with siblings; join promotion
// relies on it. negated reports whether the leaf sits under an odd
// number of negations; the multi-valued EXISTS strategy relies on it.
func (q Q) walk(enforced, negated bool, fn func(c *Cond, enforced, negated bool)) {
	if q.negated {
		enforced = false
		negated = !negated
	}
	branchy := q.op == opOr && len(q.children) > 1
	for _, c := range q.children {
		childEnforced := enforced && !branchy
		if c.cond != nil {
			fn(c.cond, childEnforced, negated)
			continue
		}
		c.group.walk(childEnforced, negated, fn)
	}
}

// conds returns all leaves in depth-first order.
func (q Q) conds() []*Cond {
	var out []*Cond
	q.walk(true, false, func(c *Cond, _, _ bool) {
		out = append(out, c)
	})
	return out
}

// withJoinGroup returns a copy of the tree with every leaf assigned the
// given join group.
func (q Q) withJoinGroup(group int) Q {
	out := Q{op: q.op, negated: q.negated, children: make([]qchild, len(q.children))}
	for i, c := range q.children {
		if c.cond != nil {
			cc := *c.cond
			cc.joinGroup = group
			out.children[i] = qchild{cond: &cc}
			continue
		}
		g := c.group.withJoinGroup(group)
		out.children[i] = qchild{group: &g}
	}
	return out
}

// Leaf constructors. Each wraps a single condition in an AND group so
// the result composes with And/Or/Not directly.

// Lookup returns a condition with an explicit operator name.
func Lookup(path, op string, value any) Q {
	return leaf(&Cond{Path: path, Op: op, Value: value})
}

// Eq matches rows where the field equals the value.
func Eq(path string, value any) Q { return Lookup(path, "exact", value) }

// Neq matches rows where the field does not equal the value.
func Neq(path string, value any) Q { return Not(Eq(path, value)) }

// IExact matches rows where the field equals the value case-insensitively.
func IExact(path string, value any) Q { return Lookup(path, "iexact", value) }

// Gt matches rows where the field is greater than the value.
func Gt(path string, value any) Q { return Lookup(path, "gt", value) }

// Gte matches rows where the field is greater than or equal to the value.
func Gte(path string, value any) Q { return Lookup(path, "gte", value) }

// Lt matches rows where the field is less than the value.
func Lt(path string, value any) Q { return Lookup(path, "lt", value) }

// Lte matches rows where the field is less than or equal to the value.
func Lte(path string, value any) Q { return Lookup(path, "lte", value) }

// In matches rows where the field is one of the values. An empty list
// matches nothing; its negation matches everything.
func In(path string, values ...any) Q { return Lookup(path, "in", values) }

// Contains matches rows where the text field contains the substring.
func Contains(path, substr string) Q { return Lookup(path, "contains", substr) }

// IContains is the case-insensitive Contains.
func IContains(path, substr string) Q { return Lookup(path, "icontains", substr) }

// StartsWith matches rows where the text field starts with the prefix.
func StartsWith(path, prefix string) Q { return Lookup(path, "startswith", prefix) }

// IStartsWith is the case-insensitive StartsWith.
func IStartsWith(path, prefix string) Q { return Lookup(path, "istartswith", prefix) }

// EndsWith matches rows where the text field ends with the suffix.
func EndsWith(path, suffix string) Q { return Lookup(path, "endswith", suffix) }

// IEndsWith is the case-insensitive EndsWith.
func IEndsWith(path, suffix string) Q { return Lookup(path, "iendswith", suffix) }

// Range matches rows where the field is between lo and hi, inclusive.
func Range(path string, lo, hi any) Q { return Lookup(path, "range", []any{lo, hi}) }

// IsNull matches rows where the field (or relation) is NULL or not,
// depending on the flag.
func IsNull(path string, isNull bool) Q { return Lookup(path, "isnull", isNull) }

// Regex matches rows where the text field matches the regular
// expression. Only available on backends with a regexp operator.
func Regex(path, pattern string) Q { return Lookup(path, "regex", pattern) }
