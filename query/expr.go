package query

import "fmt"

// Expr is a typed node of the expression tree: a column reference, a
// literal, a function call, arithmetic, or an aggregate. Nodes render
// themselves through a Formatter, which carries the alias-resolution
// context; literals always flow through the parameter list, never into
// the SQL text.
type Expr interface {
	// format renders the node into the formatter.
	format(f *Formatter) error
	// refs reports every relationship path the node references, so the
	// join resolver can allocate aliases before rendering.
	refs(add func(path string))
	// aggregate reports whether the node contains an aggregate call.
	aggregate() bool
}

// colExpr is a column reference by dotted path.
type colExpr struct {
	path string
}

// Col returns a column reference for a dotted path such as "title" or
// "author.name". Comparing two columns:
//
//	query.Lookup("price", "gt", query.Col("discount"))
func Col(path string) Expr { return &colExpr{path: path} }

func (e *colExpr) format(f *Formatter) error {
	return f.writeColumn(e.path, 0)
}

func (e *colExpr) refs(add func(string)) { add(e.path) }

func (e *colExpr) aggregate() bool { return false }

// valExpr is a literal bound as a parameter.
type valExpr struct {
	v any
}

// Val returns a literal expression. The value is always bound as a
// statement parameter.
func Val(v any) Expr { return &valExpr{v: v} }

func (e *valExpr) format(f *Formatter) error {
	f.writeParam(e.v)
	return nil
}

func (e *valExpr) refs(func(string)) {}

func (e *valExpr) aggregate() bool { return false }

// binExpr is a binary arithmetic node.
type binExpr struct {
	op   string
	l, r Expr
}

// Add returns l + r.
func Add(l, r Expr) Expr { return &binExpr{op: "+", l: l, r: r} }

// Sub returns l - r.
func Sub(l, r Expr) Expr { return &binExpr{op: "-", l: l, r: r} }

// Mul returns l * r.
func Mul(l, r Expr) Expr { return &binExpr{op: "*", l: l, r: r} }

// Div returns l / r.
func Div(l, r Expr) Expr { return &binExpr{op: "/", l: l, r: r} }

func (e *binExpr) format(f *Formatter) error {
	f.writeString("(")
	if err := e.l.format(f); err != nil {
		return err
	}
	f.writeString(" " + e.op + " ")
	if err := e.r.format(f); err != nil {
		return err
	}
	f.writeString(")")
	return nil
}

func (e *binExpr) refs(add func(string)) {
	e.l.refs(add)
	e.r.refs(add)
}

func (e *binExpr) aggregate() bool { return e.l.aggregate() || e.r.aggregate() }

// fnExpr is a plain function call.
type fnExpr struct {
	name string
	args []Expr
}

// Fn returns a function-call expression, e.g. Fn("LOWER", Col("name")).
// The function name is rendered verbatim and must not be derived from
// user input.
func Fn(name string, args ...Expr) Expr { return &fnExpr{name: name, args: args} }

func (e *fnExpr) format(f *Formatter) error {
	f.writeString(e.name + "(")
	for i, a := range e.args {
		if i > 0 {
			f.writeString(", ")
		}
		if err := a.format(f); err != nil {
			return err
		}
	}
	f.writeString(")")
	return nil
}

func (e *fnExpr) refs(add func(string)) {
	for _, a := range e.args {
		a.refs(add)
	}
}

func (e *fnExpr) aggregate() bool {
	for _, a := range e.args {
		if a.aggregate() {
			return true
		}
	}
	return false
}

// aggExpr is an aggregate call over a column path, or over * for Count.
type aggExpr struct {
	fn       string // COUNT, SUM, AVG, MIN, MAX
	path     string // empty for COUNT(*)
	distinct bool
}

// CountAll returns COUNT(*).
func CountAll() Expr { return &aggExpr{fn: "COUNT"} }

// Count returns COUNT over the column at the given path.
func Count(path string) Expr { return &aggExpr{fn: "COUNT", path: path} }

// CountDistinct returns COUNT(DISTINCT column).
func CountDistinct(path string) Expr { return &aggExpr{fn: "COUNT", path: path, distinct: true} }

// Sum returns SUM over the column at the given path.
func Sum(path string) Expr { return &aggExpr{fn: "SUM", path: path} }

// Avg returns AVG over the column at the given path.
func Avg(path string) Expr { return &aggExpr{fn: "AVG", path: path} }

// Min returns MIN over the column at the given path.
func Min(path string) Expr { return &aggExpr{fn: "MIN", path: path} }

// Max returns MAX over the column at the given path.
func Max(path string) Expr { return &aggExpr{fn: "MAX", path: path} }

func (e *aggExpr) format(f *Formatter) error {
	f.writeString(e.fn + "(")
	if e.distinct {
		f.writeString("DISTINCT ")
	}
	if e.path == "" {
		f.writeString("*")
	} else if err := f.writeColumn(e.path, 0); err != nil {
		return err
	}
	f.writeString(")")
	return nil
}

func (e *aggExpr) refs(add func(string)) {
	if e.path != "" {
		add(e.path)
	}
}

func (e *aggExpr) aggregate() bool { return true }

// canon returns a canonical textual form of an expression, used only for
// query fingerprinting. It intentionally resembles SQL but is rendered
// without a backend.
func canonExpr(e Expr) string {
	switch e := e.(type) {
	case *colExpr:
		return "col:" + e.path
	case *valExpr:
		return fmt.Sprintf("val:%#v", e.v)
	case *binExpr:
		return "(" + canonExpr(e.l) + e.op + canonExpr(e.r) + ")"
	case *fnExpr:
		s := e.name + "("
		for i, a := range e.args {
			if i > 0 {
				s += ","
			}
			s += canonExpr(a)
		}
		return s + ")"
	case *aggExpr:
		s := e.fn + "("
		if e.distinct {
			s += "DISTINCT "
		}
		if e.path == "" {
			s += "*"
		} else {
			s += e.path
		}
		return s + ")"
	}
	return fmt.Sprintf("%T", e)
}
