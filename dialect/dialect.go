// Package dialect provides backend abstraction for the quarry engine.
//
// A backend is described by two things: a Capabilities descriptor that the
// compiler consults while rendering SQL (identifier quoting, parameter
// placeholder style, pagination syntax, boolean literals, subquery
// support), and a Driver that executes the rendered statements.
//
// The built-in descriptors cover PostgreSQL, MySQL/MariaDB, SQLite and
// SQL Server. Custom backends supply their own Capabilities value.
package dialect

import (
	"context"
	"fmt"
	"strings"
)

// Dialect names for the built-in backends.
const (
	Postgres  = "postgres"
	MySQL     = "mysql"
	SQLite    = "sqlite"
	SQLServer = "sqlserver"
)

// LimitOffsetStyle selects how a backend renders pagination.
type LimitOffsetStyle int

const (
	// LimitOffset renders "LIMIT n OFFSET m" and allows either alone.
	LimitOffset LimitOffsetStyle = iota
	// LimitRequiredWithOffset renders "LIMIT n OFFSET m" but requires a
	// LIMIT whenever an OFFSET is present (MySQL).
	LimitRequiredWithOffset
	// OffsetFetch renders "OFFSET m ROWS FETCH NEXT n ROWS ONLY" and
	// requires an ORDER BY clause (SQL Server).
	OffsetFetch
)

// Capabilities describes everything the compiler needs to know about a
// backend to render semantically equivalent SQL for it.
type Capabilities struct {
	// Name identifies the dialect, e.g. dialect.Postgres.
	Name string
	// QuoteIdent quotes a single identifier (never a dotted pair).
	QuoteIdent func(string) string
	// Placeholder returns the i-th parameter placeholder, 1-based.
	Placeholder func(i int) string
	// LimitOffset selects the pagination syntax.
	LimitOffset LimitOffsetStyle
	// BoolLiteral renders a boolean constant.
	BoolLiteral func(bool) string
	// SupportsSubquery reports whether correlated subqueries and EXISTS
	// are available. Near-universally true.
	SupportsSubquery bool
	// SupportsILike reports whether ILIKE is available for
	// case-insensitive matching; backends without it fall back to
	// LOWER() on both operands.
	SupportsILike bool
	// RegexpOp is the infix regular-expression operator, or "" if the
	// backend has none.
	RegexpOp string
}

// By returns the built-in Capabilities for the named dialect.
// It returns an error for unknown names.
func By(name string) (Capabilities, error) {
	switch name {
	case Postgres:
		return PostgresCapabilities, nil
	case MySQL:
		return MySQLCapabilities, nil
	case SQLite:
		return SQLiteCapabilities, nil
	case SQLServer:
		return SQLServerCapabilities, nil
	}
	return Capabilities{}, fmt.Errorf("dialect: unknown dialect %q", name)
}

func quoteDouble(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteBacktick(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteBracket(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func boolWord(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Built-in capability descriptors.
var (
	// PostgresCapabilities describes PostgreSQL.
	PostgresCapabilities = Capabilities{
		Name:             Postgres,
		QuoteIdent:       quoteDouble,
		Placeholder:      func(i int) string { return fmt.Sprintf("$%d", i) },
		LimitOffset:      LimitOffset,
		BoolLiteral:      boolWord,
		SupportsSubquery: true,
		SupportsILike:    true,
		RegexpOp:         "~",
	}

	// MySQLCapabilities describes MySQL and MariaDB.
	MySQLCapabilities = Capabilities{
		Name:             MySQL,
		QuoteIdent:       quoteBacktick,
		Placeholder:      func(int) string { return "?" },
		LimitOffset:      LimitRequiredWithOffset,
		BoolLiteral:      boolDigit,
		SupportsSubquery: true,
		RegexpOp:         "REGEXP",
	}

	// SQLiteCapabilities describes SQLite.
	SQLiteCapabilities = Capabilities{
		Name:             SQLite,
		QuoteIdent:       quoteDouble,
		Placeholder:      func(int) string { return "?" },
		LimitOffset:      LimitOffset,
		BoolLiteral:      boolDigit,
		SupportsSubquery: true,
	}

	// SQLServerCapabilities describes SQL Server.
	SQLServerCapabilities = Capabilities{
		Name:             SQLServer,
		QuoteIdent:       quoteBracket,
		Placeholder:      func(i int) string { return fmt.Sprintf("@p%d", i) },
		LimitOffset:      OffsetFetch,
		BoolLiteral:      boolDigit,
		SupportsSubquery: true,
	}
)

// ExecQuerier wraps the Exec and Query methods shared by Driver and Tx.
type ExecQuerier interface {
	// Exec executes a statement that does not return rows. The args
	// value must be a []any; v receives the result if non-nil.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a statement that returns rows into v.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the minimal execution interface consumed by the query
// builder. Implementations live in dialect/sql; tests substitute mocks.
type Driver interface {
	ExecQuerier

	// Tx starts and returns a new transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx is a transactional Driver view.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}
