package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/dialect"
	"github.com/quarrydb/quarry/schema"
)

// testRegistry builds the catalog shared by the query tests: a small
// bookshop with to-one, nullable to-one and to-many relations.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	publisher, err := schema.NewType("Publisher", "publishers", []*schema.Field{
		{Name: "id", Kind: schema.Int, PrimaryKey: true},
		{Name: "name", Kind: schema.String},
		{Name: "country", Kind: schema.String, Nullable: true},
	}, nil)
	require.NoError(t, err)
	author, err := schema.NewType("Author", "authors", []*schema.Field{
		{Name: "id", Kind: schema.Int, PrimaryKey: true},
		{Name: "name", Kind: schema.String},
		{Name: "publisher_id", Kind: schema.Int, Nullable: true},
	}, []*schema.Relation{
		{Name: "publisher", Target: "Publisher", Nullable: true, LocalColumn: "publisher_id", RemoteColumn: "id"},
		{Name: "books", Target: "Book", Cardinality: schema.ToMany, LocalColumn: "id", RemoteColumn: "author_id"},
	})
	require.NoError(t, err)
	book, err := schema.NewType("Book", "books", []*schema.Field{
		{Name: "id", Kind: schema.Int, PrimaryKey: true},
		{Name: "title", Kind: schema.String},
		{Name: "price", Kind: schema.Float},
		{Name: "published", Kind: schema.Time, Nullable: true},
		{Name: "author_id", Kind: schema.Int},
	}, []*schema.Relation{
		{Name: "author", Target: "Author", LocalColumn: "author_id", RemoteColumn: "id"},
		{Name: "reviews", Target: "Review", Cardinality: schema.ToMany, LocalColumn: "id", RemoteColumn: "book_id"},
		{Name: "tags", Target: "Tag", Cardinality: schema.ToMany, LocalColumn: "id", RemoteColumn: "book_id"},
	})
	require.NoError(t, err)
	review, err := schema.NewType("Review", "reviews", []*schema.Field{
		{Name: "id", Kind: schema.Int, PrimaryKey: true},
		{Name: "rating", Kind: schema.Int},
		{Name: "body", Kind: schema.String, Nullable: true},
		{Name: "book_id", Kind: schema.Int},
	}, []*schema.Relation{
		{Name: "book", Target: "Book", LocalColumn: "book_id", RemoteColumn: "id"},
	})
	require.NoError(t, err)
	tag, err := schema.NewType("Tag", "tags", []*schema.Field{
		{Name: "id", Kind: schema.Int, PrimaryKey: true},
		{Name: "label", Kind: schema.String},
		{Name: "book_id", Kind: schema.Int},
	}, nil)
	require.NoError(t, err)
	reg, err := schema.NewRegistry(publisher, author, book, review, tag)
	require.NoError(t, err)
	return reg
}

const (
	bookCols   = `"books"."id", "books"."title", "books"."price", "books"."published", "books"."author_id"`
	authorCols = `"authors"."id", "authors"."name", "authors"."publisher_id"`
)

func mustCompile(t *testing.T, set *Set, caps dialect.Capabilities) (string, []any) {
	t.Helper()
	c, err := set.Compile(caps)
	require.NoError(t, err)
	return c.SQL, c.Args
}

func TestCompileSimpleFilter(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Filter(Eq("title", "The Go Programming Language"))

	sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
	assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."title" = ?`, sql)
	assert.Equal(t, []any{"The Go Programming Language"}, args)
}

func TestCompilePerDialect(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Filter(Eq("title", "x"), Gt("price", 10.0))

	t.Run("Postgres", func(t *testing.T) {
		sql, args := mustCompile(t, set, dialect.PostgresCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."title" = $1 AND "books"."price" > $2`, sql)
		assert.Equal(t, []any{"x", 10.0}, args)
	})

	t.Run("MySQL", func(t *testing.T) {
		sql, _ := mustCompile(t, set, dialect.MySQLCapabilities)
		assert.Equal(t, "SELECT `books`.`id`, `books`.`title`, `books`.`price`, `books`.`published`, `books`.`author_id` FROM `books` WHERE `books`.`title` = ? AND `books`.`price` > ?", sql)
	})
}

func TestCompileJoinPromotion(t *testing.T) {
	reg := testRegistry(t)

	t.Run("EnforcedLeafPromotes", func(t *testing.T) {
		// publisher is nullable-to-one, so the join starts LEFT OUTER;
		// an unconditional AND constraint on it enforces a match.
		set := NewSet(reg, "Book").Filter(Eq("author.publisher.name", "Gopher Press"))
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
			` JOIN "publishers" AS "t2" ON "t2"."id" = "t1"."publisher_id"`+
			` WHERE "t2"."name" = ?`, sql)
	})

	t.Run("OrBranchKeepsOuter", func(t *testing.T) {
		set := NewSet(reg, "Book").Filter(Or(
			Eq("author.publisher.name", "Gopher Press"),
			Eq("title", "x"),
		))
		sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
			` LEFT OUTER JOIN "publishers" AS "t2" ON "t2"."id" = "t1"."publisher_id"`+
			` WHERE ("t2"."name" = ? OR "books"."title" = ?)`, sql)
		assert.Equal(t, []any{"Gopher Press", "x"}, args)
	})

	t.Run("IsNullTrueKeepsOuter", func(t *testing.T) {
		// Asking for the missing row must not demote the join that
		// produces it.
		set := NewSet(reg, "Book").Filter(IsNull("author.publisher", true))
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
			` LEFT OUTER JOIN "publishers" AS "t2" ON "t2"."id" = "t1"."publisher_id"`+
			` WHERE "t2"."id" IS NULL`, sql)
	})

	t.Run("IsNullFalsePromotes", func(t *testing.T) {
		set := NewSet(reg, "Book").Filter(IsNull("author.publisher", false))
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Contains(t, sql, ` JOIN "publishers" AS "t2"`)
		assert.NotContains(t, sql, "LEFT OUTER")
		assert.Contains(t, sql, `"t2"."id" IS NOT NULL`)
	})
}

func TestCompileAliasReuse(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").
		Filter(Eq("author.name", "Eve")).
		Filter(Eq("author.publisher.country", "NL"))

	sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
	// The author prefix is shared, so only two joins appear.
	assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
		` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
		` JOIN "publishers" AS "t2" ON "t2"."id" = "t1"."publisher_id"`+
		` WHERE "t1"."name" = ? AND "t2"."country" = ?`, sql)
	assert.Equal(t, []any{"Eve", "NL"}, args)
}

func TestCompileIndependentJoins(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").
		Filter(Eq("reviews.rating", 5)).
		FilterIndependent(IsNull("reviews.body", false))

	sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
	// The independent constraint gets its own alias so both conditions
	// can match different review rows.
	assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
		` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
		` JOIN "reviews" AS "t2" ON "t2"."book_id" = "books"."id"`+
		` WHERE "t1"."rating" = ? AND "t2"."body" IS NOT NULL`, sql)
	assert.Equal(t, []any{5}, args)
}

func TestFilterIndependentLeavesInputIntact(t *testing.T) {
	reg := testRegistry(t)
	qs := []Q{Eq("reviews.rating", 5), IsNull("reviews.body", false)}

	set := NewSet(reg, "Book").FilterIndependent(qs...)
	require.NoError(t, set.Err())
	// The caller's trees keep the default join group and can be reused.
	for _, q := range qs {
		for _, c := range q.conds() {
			assert.Zero(t, c.joinGroup)
		}
	}
	again := NewSet(reg, "Book").FilterIndependent(qs...)
	first, err := set.Compile(dialect.SQLiteCapabilities)
	require.NoError(t, err)
	second, err := again.Compile(dialect.SQLiteCapabilities)
	require.NoError(t, err)
	assert.Equal(t, first.SQL, second.SQL)
}

func TestCompileToManyFilterMultiplies(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Filter(Eq("reviews.rating", 5))

	sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
	// A plain to-many filter compiles as a join (and can repeat root
	// rows); the enforced constraint promotes it to INNER.
	assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
		` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
		` WHERE "t1"."rating" = ?`, sql)
}

func TestCompileExcludeToManyUsesExists(t *testing.T) {
	reg := testRegistry(t)

	t.Run("OneHop", func(t *testing.T) {
		set := NewSet(reg, "Book").Exclude(Eq("reviews.rating", 1))
		sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
		// Excluding over a to-many path negates per root row, not per
		// joined row, so it compiles as NOT EXISTS with no outer join.
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` WHERE NOT (EXISTS (SELECT 1 FROM "reviews" AS "s1"`+
			` WHERE "s1"."book_id" = "books"."id" AND "s1"."rating" = ?))`, sql)
		assert.Equal(t, []any{1}, args)
	})

	t.Run("TwoHops", func(t *testing.T) {
		set := NewSet(reg, "Author").Exclude(Eq("books.reviews.rating", 1))
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+authorCols+` FROM "authors"`+
			` WHERE NOT (EXISTS (SELECT 1 FROM "books" AS "s1"`+
			` JOIN "reviews" AS "s2" ON "s2"."book_id" = "s1"."id"`+
			` WHERE "s1"."author_id" = "authors"."id" AND "s2"."rating" = ?))`, sql)
	})

	t.Run("ToOneExcludeStaysJoin", func(t *testing.T) {
		set := NewSet(reg, "Book").Exclude(Eq("author.name", "Eve"))
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		// Excluding over a to-one path cannot multiply rows; a plain
		// negated join predicate is correct and cheaper.
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
			` WHERE NOT ("t1"."name" = ?)`, sql)
	})
}

func TestCompileAggregateConflictUsesExists(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").
		Annotate("nreviews", Count("reviews.id")).
		Filter(Eq("tags.label", "go"))

	sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
	// Filtering one to-many relation while aggregating another would
	// cross-multiply the aggregate; the filter moves into EXISTS.
	assert.Equal(t, `SELECT `+bookCols+`, COUNT("t1"."id") AS "nreviews" FROM "books"`+
		` LEFT OUTER JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
		` WHERE EXISTS (SELECT 1 FROM "tags" AS "s1" WHERE "s1"."book_id" = "books"."id" AND "s1"."label" = ?)`+
		` GROUP BY `+bookCols, sql)
	assert.Equal(t, []any{"go"}, args)
}

func TestCompileAggregateSamePathKeepsJoin(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").
		Annotate("nreviews", Count("reviews.id")).
		Filter(Gte("reviews.rating", 4))

	sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
	// Filtering and aggregating over the same to-many relation share
	// the join, matching the "restrict then count" reading.
	assert.Equal(t, `SELECT `+bookCols+`, COUNT("t1"."id") AS "nreviews" FROM "books"`+
		` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
		` WHERE "t1"."rating" >= ?`+
		` GROUP BY `+bookCols, sql)
}

func TestCompileHavingSplit(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Author").
		Annotate("nbooks", Count("books.id")).
		Filter(Gt("nbooks", 2), Eq("name", "Ann"))

	sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
	assert.Equal(t, `SELECT `+authorCols+`, COUNT("t1"."id") AS "nbooks" FROM "authors"`+
		` LEFT OUTER JOIN "books" AS "t1" ON "t1"."author_id" = "authors"."id"`+
		` WHERE "authors"."name" = ?`+
		` GROUP BY `+authorCols+
		` HAVING (COUNT("t1"."id")) > ?`, sql)
	// WHERE parameters render before HAVING parameters.
	assert.Equal(t, []any{"Ann", 2}, args)
}

func TestCompileOrderBy(t *testing.T) {
	reg := testRegistry(t)

	t.Run("FieldsAndDirections", func(t *testing.T) {
		set := NewSet(reg, "Book").OrderBy("-published", "title")
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" ORDER BY "books"."published" DESC, "books"."title" ASC`, sql)
	})

	t.Run("RelatedField", func(t *testing.T) {
		set := NewSet(reg, "Book").OrderBy("author.name")
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books"`+
			` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
			` ORDER BY "t1"."name" ASC`, sql)
	})

	t.Run("Annotation", func(t *testing.T) {
		set := NewSet(reg, "Author").
			Annotate("nbooks", Count("books.id")).
			OrderBy("-nbooks")
		sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Contains(t, sql, ` ORDER BY "nbooks" DESC`)
	})
}

func TestCompilePagination(t *testing.T) {
	reg := testRegistry(t)

	t.Run("SQLite", func(t *testing.T) {
		set := NewSet(reg, "Book").OrderBy("title").Slice(5, 15)
		sql, args := mustCompile(t, set, dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" ORDER BY "books"."title" ASC LIMIT 10 OFFSET 5`, sql)
		assert.Empty(t, args)
	})

	t.Run("MySQLOffsetOnly", func(t *testing.T) {
		set := NewSet(reg, "Book").Offset(3)
		sql, _ := mustCompile(t, set, dialect.MySQLCapabilities)
		assert.Contains(t, sql, " LIMIT 18446744073709551615 OFFSET 3")
	})

	t.Run("SQLServerOffsetFetch", func(t *testing.T) {
		set := NewSet(reg, "Book").OrderBy("title").Slice(10, 12)
		sql, _ := mustCompile(t, set, dialect.SQLServerCapabilities)
		assert.Equal(t, `SELECT [books].[id], [books].[title], [books].[price], [books].[published], [books].[author_id]`+
			` FROM [books] ORDER BY [books].[title] ASC OFFSET 10 ROWS FETCH NEXT 2 ROWS ONLY`, sql)
	})

	t.Run("SQLServerRequiresOrderBy", func(t *testing.T) {
		set := NewSet(reg, "Book").Limit(5)
		_, err := set.Compile(dialect.SQLServerCapabilities)
		assert.True(t, quarry.IsCapabilityError(err))
		assert.ErrorContains(t, err, "pagination without ORDER BY")
	})
}

func TestCompileLookups(t *testing.T) {
	reg := testRegistry(t)
	base := func() *Set { return NewSet(reg, "Book") }

	t.Run("EmptyIn", func(t *testing.T) {
		sql, args := mustCompile(t, base().Filter(In("id")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE 0`, sql)
		assert.Empty(t, args)

		sql, _ = mustCompile(t, base().Filter(In("id")), dialect.PostgresCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE FALSE`, sql)
	})

	t.Run("NegatedEmptyIn", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Exclude(In("id")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE 1`, sql)
	})

	t.Run("In", func(t *testing.T) {
		sql, args := mustCompile(t, base().Filter(In("id", 1, 2, 3)), dialect.PostgresCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."id" IN ($1, $2, $3)`, sql)
		assert.Equal(t, []any{1, 2, 3}, args)
	})

	t.Run("NotInPairedForm", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Exclude(In("id", 1, 2)), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."id" NOT IN (?, ?)`, sql)
	})

	t.Run("NotEqualsWrapsNot", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Filter(Neq("title", "x")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE NOT ("books"."title" = ?)`, sql)
	})

	t.Run("RangePairedForm", func(t *testing.T) {
		sql, args := mustCompile(t, base().Filter(Range("price", 5, 10)), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."price" BETWEEN ? AND ?`, sql)
		assert.Equal(t, []any{5, 10}, args)

		sql, _ = mustCompile(t, base().Exclude(Range("price", 5, 10)), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."price" NOT BETWEEN ? AND ?`, sql)
	})

	t.Run("LikeEscaping", func(t *testing.T) {
		sql, args := mustCompile(t, base().Filter(Contains("title", "50%_off")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."title" LIKE ? ESCAPE '\'`, sql)
		assert.Equal(t, []any{`%50\%\_off%`}, args)
	})

	t.Run("StartsEndsWith", func(t *testing.T) {
		_, args := mustCompile(t, base().Filter(StartsWith("title", "Go")), dialect.SQLiteCapabilities)
		assert.Equal(t, []any{"Go%"}, args)
		_, args = mustCompile(t, base().Filter(EndsWith("title", "Go")), dialect.SQLiteCapabilities)
		assert.Equal(t, []any{"%Go"}, args)
	})

	t.Run("CaseInsensitiveLike", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Filter(IContains("title", "go")), dialect.PostgresCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."title" ILIKE $1 ESCAPE '\'`, sql)

		sql, _ = mustCompile(t, base().Filter(IContains("title", "go")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE LOWER("books"."title") LIKE LOWER(?) ESCAPE '\'`, sql)
	})

	t.Run("IExact", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Filter(IExact("title", "go")), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE LOWER("books"."title") = LOWER(?)`, sql)
	})

	t.Run("Regex", func(t *testing.T) {
		sql, _ := mustCompile(t, base().Filter(Regex("title", "^Go")), dialect.PostgresCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."title" ~ $1`, sql)

		sql, _ = mustCompile(t, base().Filter(Regex("title", "^Go")), dialect.MySQLCapabilities)
		assert.Contains(t, sql, "`books`.`title` REGEXP ?")

		_, err := base().Filter(Regex("title", "^Go")).Compile(dialect.SQLiteCapabilities)
		assert.True(t, quarry.IsCapabilityError(err))
	})

	t.Run("ColumnComparison", func(t *testing.T) {
		sql, args := mustCompile(t, base().Filter(Gt("price", Col("id"))), dialect.SQLiteCapabilities)
		assert.Equal(t, `SELECT `+bookCols+` FROM "books" WHERE "books"."price" > "books"."id"`, sql)
		assert.Empty(t, args)
	})
}

func TestCompileValuesMode(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Values("title", "author.name")

	c, err := set.Compile(dialect.SQLiteCapabilities)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "books"."title", "t1"."name" FROM "books"`+
		` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`, c.SQL)
	require.Len(t, c.Plan, 2)
	assert.Equal(t, "title", c.Plan[0].Name)
	assert.Equal(t, ProvValue, c.Plan[0].Provenance)
	assert.Equal(t, "author.name", c.Plan[1].Name)
}

func TestCompileRelated(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Related("author.publisher")

	c, err := set.Compile(dialect.SQLiteCapabilities)
	require.NoError(t, err)
	// The prefix "author" is expanded automatically before its child.
	assert.Equal(t, `SELECT `+bookCols+
		`, "t1"."id", "t1"."name", "t1"."publisher_id"`+
		`, "t2"."id", "t2"."name", "t2"."country"`+
		` FROM "books"`+
		` JOIN "authors" AS "t1" ON "t1"."id" = "books"."author_id"`+
		` LEFT OUTER JOIN "publishers" AS "t2" ON "t2"."id" = "t1"."publisher_id"`, c.SQL)

	require.Len(t, c.Plan, 11)
	assert.Equal(t, ProvRoot, c.Plan[0].Provenance)
	assert.Equal(t, "author.id", c.Plan[5].Name)
	assert.Equal(t, ProvRelated, c.Plan[5].Provenance)
	assert.Equal(t, "author", c.Plan[5].RelPath)
	assert.Equal(t, "author.publisher.country", c.Plan[10].Name)
	assert.Equal(t, "author.publisher", c.Plan[10].RelPath)
}

func TestCompileDistinct(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").Distinct().Filter(Eq("reviews.rating", 5))

	sql, _ := mustCompile(t, set, dialect.SQLiteCapabilities)
	assert.Equal(t, `SELECT DISTINCT `+bookCols+` FROM "books"`+
		` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
		` WHERE "t1"."rating" = ?`, sql)
}

func TestCompileCount(t *testing.T) {
	reg := testRegistry(t)

	t.Run("Direct", func(t *testing.T) {
		set := NewSet(reg, "Book").Filter(Eq("title", "x"))
		c, err := set.compileMode(dialect.SQLiteCapabilities, modeCount)
		require.NoError(t, err)
		assert.Equal(t, `SELECT COUNT(*) FROM "books" WHERE "books"."title" = ?`, c.SQL)
	})

	t.Run("DistinctWraps", func(t *testing.T) {
		set := NewSet(reg, "Book").Distinct().Filter(Eq("reviews.rating", 5))
		c, err := set.compileMode(dialect.SQLiteCapabilities, modeCount)
		require.NoError(t, err)
		assert.Equal(t, `SELECT COUNT(*) FROM (SELECT DISTINCT `+bookCols+` FROM "books"`+
			` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
			` WHERE "t1"."rating" = ?) AS "subquery"`, c.SQL)
	})

	t.Run("SlicedWraps", func(t *testing.T) {
		set := NewSet(reg, "Book").OrderBy("title").Slice(0, 10)
		c, err := set.compileMode(dialect.SQLiteCapabilities, modeCount)
		require.NoError(t, err)
		assert.Equal(t, `SELECT COUNT(*) FROM (SELECT `+bookCols+` FROM "books"`+
			` ORDER BY "books"."title" ASC LIMIT 10) AS "subquery"`, c.SQL)
	})
}

func TestCompileExists(t *testing.T) {
	reg := testRegistry(t)

	t.Run("Direct", func(t *testing.T) {
		set := NewSet(reg, "Book").Filter(Eq("title", "x"))

		c, err := set.compileMode(dialect.SQLiteCapabilities, modeExists)
		require.NoError(t, err)
		assert.Equal(t, `SELECT 1 FROM "books" WHERE "books"."title" = ? LIMIT 1`, c.SQL)

		c, err = set.compileMode(dialect.SQLServerCapabilities, modeExists)
		require.NoError(t, err)
		assert.Equal(t, `SELECT TOP 1 1 FROM [books] WHERE [books].[title] = @p1`, c.SQL)
	})

	t.Run("AggregateFilterWraps", func(t *testing.T) {
		set := NewSet(reg, "Author").
			Annotate("nbooks", Count("books.id")).
			Filter(Gt("nbooks", 5))

		c, err := set.compileMode(dialect.SQLiteCapabilities, modeExists)
		require.NoError(t, err)
		// The aggregate filter must still decide existence.
		assert.Equal(t, `SELECT 1 FROM (SELECT `+authorCols+`, COUNT("t1"."id") AS "nbooks" FROM "authors"`+
			` LEFT OUTER JOIN "books" AS "t1" ON "t1"."author_id" = "authors"."id"`+
			` GROUP BY `+authorCols+
			` HAVING (COUNT("t1"."id")) > ?) AS "subquery" LIMIT 1`, c.SQL)
		assert.Equal(t, []any{5}, c.Args)
	})

	t.Run("SlicedWraps", func(t *testing.T) {
		set := NewSet(reg, "Book").Slice(5, 15)

		c, err := set.compileMode(dialect.SQLiteCapabilities, modeExists)
		require.NoError(t, err)
		// An empty window reports false even when the table has rows.
		assert.Equal(t, `SELECT 1 FROM (SELECT `+bookCols+
			` FROM "books" LIMIT 10 OFFSET 5) AS "subquery" LIMIT 1`, c.SQL)
	})

	t.Run("DistinctWraps", func(t *testing.T) {
		set := NewSet(reg, "Book").Distinct().Filter(Eq("reviews.rating", 5))

		c, err := set.compileMode(dialect.SQLiteCapabilities, modeExists)
		require.NoError(t, err)
		assert.Equal(t, `SELECT 1 FROM (SELECT DISTINCT `+bookCols+` FROM "books"`+
			` JOIN "reviews" AS "t1" ON "t1"."book_id" = "books"."id"`+
			` WHERE "t1"."rating" = ?) AS "subquery" LIMIT 1`, c.SQL)
		assert.Equal(t, []any{5}, c.Args)
	})
}

func TestCompileDeterminism(t *testing.T) {
	reg := testRegistry(t)
	build := func() *Set {
		return NewSet(reg, "Book").
			Filter(Eq("author.publisher.name", "x"), Gt("price", 1.0)).
			Exclude(Eq("reviews.rating", 1)).
			Annotate("halved", Div(Col("price"), Val(2))).
			OrderBy("-published").
			Distinct()
	}
	first, err := build().Compile(dialect.PostgresCapabilities)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		next, err := build().Compile(dialect.PostgresCapabilities)
		require.NoError(t, err)
		assert.Equal(t, first.SQL, next.SQL)
		assert.Equal(t, first.Args, next.Args)
	}
}

func TestCompileAnnotationExpression(t *testing.T) {
	reg := testRegistry(t)
	set := NewSet(reg, "Book").
		Annotate("discounted", Mul(Col("price"), Val(0.9))).
		Filter(Lt("discounted", 20.0))

	sql, args := mustCompile(t, set, dialect.PostgresCapabilities)
	// Non-aggregate annotations referenced by filters inline their
	// expression into WHERE.
	assert.Equal(t, `SELECT `+bookCols+`, ("books"."price" * $1) AS "discounted" FROM "books"`+
		` WHERE (("books"."price" * $2)) < $3`, sql)
	assert.Equal(t, []any{0.9, 0.9, 20.0}, args)
}

func TestCompileIncompleteCapabilities(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewSet(reg, "Book").Compile(dialect.Capabilities{Name: "broken"})
	assert.ErrorContains(t, err, "incomplete capability descriptor")
}
