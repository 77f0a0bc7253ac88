// Package quarry is a query-construction and SQL-compilation engine.
//
// Quarry turns a chain of declarative, composable query operations
// (filter, exclude, annotate, order, join across relations) into a single
// SQL statement against a specific relational backend, and maps result
// rows back into structured records.
//
// The package tree is organized as follows:
//
//   - quarry: shared error kinds.
//   - dialect: backend capability descriptors and driver interfaces.
//   - dialect/sql: database/sql-backed driver implementation.
//   - schema: the field/relation catalog.
//   - query: expression tree, constraint tree, join resolution,
//     compilation and the chainable Set builder.
//
// A minimal session looks like:
//
//	reg, err := schema.LoadYAML(catalogYAML)
//	drv, err := sql.Open(dialect.SQLite, "file:app.db")
//	books := query.NewSet(reg, "Book", query.WithDriver(drv))
//	rows, err := books.
//		Filter(query.Eq("author.name", "Eve")).
//		OrderBy("-published").
//		All(ctx)
//
// Every chain call returns a new Set around a cloned query state; the
// receiver is never mutated, so partially-built sets are safe to share
// across goroutines up to the point of evaluation.
package quarry
