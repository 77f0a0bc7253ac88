package query

import (
	"fmt"
	"strings"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/schema"
)

// A lookup is a rendering rule for one operator. The registry maps
// operator names to rules; rules declare the type families they accept.
// It is built once at process start; there is no runtime discovery.
type lookup struct {
	// families is a bitmask of accepted schema kinds (1 << kind), plus
	// famRelation for lookups valid directly on a relation path.
	families uint16
	// render writes the boolean fragment for the condition. col is the
	// already-rendered, alias-qualified column text.
	render func(f *Formatter, col string, c *Cond) error
	// negRender, when set, renders the negated condition directly
	// instead of wrapping with NOT (IS NULL / BETWEEN style pairs).
	negRender func(f *Formatter, col string, c *Cond) error
}

const famRelation uint16 = 1 << 15

func fam(kinds ...schema.Kind) uint16 {
	var m uint16
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

var (
	famAll     = fam(schema.String, schema.Int, schema.Float, schema.Bool, schema.Time, schema.UUID, schema.Bytes)
	famText    = fam(schema.String)
	famOrdered = fam(schema.String, schema.Int, schema.Float, schema.Time)
	famRange   = fam(schema.Int, schema.Float, schema.Time)
)

// lookups is the static operator registry.
var lookups = map[string]lookup{
	"exact": {
		families: famAll,
		render:   renderCmp("="),
	},
	"iexact": {
		families: famText,
		render: func(f *Formatter, col string, c *Cond) error {
			f.writeString("LOWER(" + col + ") = LOWER(")
			if err := renderRHS(f, c.Value); err != nil {
				return err
			}
			f.writeString(")")
			return nil
		},
	},
	"gt":  {families: famOrdered, render: renderCmp(">")},
	"gte": {families: famOrdered, render: renderCmp(">=")},
	"lt":  {families: famOrdered, render: renderCmp("<")},
	"lte": {families: famOrdered, render: renderCmp("<=")},
	"in": {
		families:  famAll,
		render:    renderIn(false),
		negRender: renderIn(true),
	},
	"contains":    {families: famText, render: renderLike("%", "%", false)},
	"icontains":   {families: famText, render: renderLike("%", "%", true)},
	"startswith":  {families: famText, render: renderLike("", "%", false)},
	"istartswith": {families: famText, render: renderLike("", "%", true)},
	"endswith":    {families: famText, render: renderLike("%", "", false)},
	"iendswith":   {families: famText, render: renderLike("%", "", true)},
	"range": {
		families:  famRange,
		render:    renderRange(false),
		negRender: renderRange(true),
	},
	"isnull": {
		families:  famAll | famRelation,
		render:    renderIsNull(false),
		negRender: renderIsNull(true),
	},
	"regex": {
		families: famText,
		render: func(f *Formatter, col string, c *Cond) error {
			op := f.caps.RegexpOp
			if op == "" {
				return quarry.NewCapabilityError(f.caps.Name, "regular-expression matching")
			}
			f.writeString(col + " " + op + " ")
			return renderRHS(f, c.Value)
		},
	},
}

// lookupFor resolves the rendering rule for an operator against the
// resolved field's type family. isRelation is true when the path ends on
// a relation rather than a field.
func lookupFor(op, field string, kind schema.Kind, isRelation bool) (lookup, error) {
	lk, ok := lookups[op]
	if !ok {
		return lookup{}, quarry.NewLookupError(op, field, familyName(kind, isRelation))
	}
	if isRelation {
		if lk.families&famRelation == 0 {
			return lookup{}, quarry.NewLookupError(op, field, "relation")
		}
		return lk, nil
	}
	if lk.families&(1<<uint(kind)) == 0 {
		return lookup{}, quarry.NewLookupError(op, field, kind.String())
	}
	return lk, nil
}

func familyName(kind schema.Kind, isRelation bool) string {
	if isRelation {
		return "relation"
	}
	return kind.String()
}

// renderRHS renders the right-hand side of a comparison: a nested
// expression, or a bound parameter.
func renderRHS(f *Formatter, v any) error {
	if e, ok := v.(Expr); ok {
		return e.format(f)
	}
	f.writeParam(v)
	return nil
}

func renderCmp(op string) func(*Formatter, string, *Cond) error {
	return func(f *Formatter, col string, c *Cond) error {
		f.writeString(col + " " + op + " ")
		return renderRHS(f, c.Value)
	}
}

func renderIn(negated bool) func(*Formatter, string, *Cond) error {
	return func(f *Formatter, col string, c *Cond) error {
		values, ok := c.Value.([]any)
		if !ok {
			return fmt.Errorf("query: in lookup on %q expects []any, got %T", c.Path, c.Value)
		}
		// An empty IN matches nothing; its negation matches everything.
		if len(values) == 0 {
			f.writeString(f.caps.BoolLiteral(negated))
			return nil
		}
		f.writeString(col)
		if negated {
			f.writeString(" NOT IN (")
		} else {
			f.writeString(" IN (")
		}
		for i, v := range values {
			if i > 0 {
				f.writeString(", ")
			}
			f.writeParam(v)
		}
		f.writeString(")")
		return nil
	}
}

func renderRange(negated bool) func(*Formatter, string, *Cond) error {
	return func(f *Formatter, col string, c *Cond) error {
		bounds, ok := c.Value.([]any)
		if !ok || len(bounds) != 2 {
			return fmt.Errorf("query: range lookup on %q expects two bounds", c.Path)
		}
		f.writeString(col)
		if negated {
			f.writeString(" NOT BETWEEN ")
		} else {
			f.writeString(" BETWEEN ")
		}
		f.writeParam(bounds[0])
		f.writeString(" AND ")
		f.writeParam(bounds[1])
		return nil
	}
}

func renderIsNull(negated bool) func(*Formatter, string, *Cond) error {
	return func(f *Formatter, col string, c *Cond) error {
		isNull, ok := c.Value.(bool)
		if !ok {
			return fmt.Errorf("query: isnull lookup on %q expects a bool", c.Path)
		}
		if negated {
			isNull = !isNull
		}
		if isNull {
			f.writeString(col + " IS NULL")
		} else {
			f.writeString(col + " IS NOT NULL")
		}
		return nil
	}
}

// likeEscape escapes LIKE wildcard characters in a user payload so they
// match literally.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func renderLike(pre, post string, fold bool) func(*Formatter, string, *Cond) error {
	return func(f *Formatter, col string, c *Cond) error {
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("query: pattern lookup on %q expects a string, got %T", c.Path, c.Value)
		}
		pattern := pre + likeEscape(s) + post
		switch {
		case !fold:
			f.writeString(col + " LIKE ")
			f.writeParam(pattern)
		case f.caps.SupportsILike:
			f.writeString(col + " ILIKE ")
			f.writeParam(pattern)
		default:
			f.writeString("LOWER(" + col + ") LIKE LOWER(")
			f.writeParam(pattern)
			f.writeString(")")
		}
		f.writeString(" ESCAPE '\\'")
		return nil
	}
}
