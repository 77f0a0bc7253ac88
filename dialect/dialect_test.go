package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBy(t *testing.T) {
	for _, name := range []string{Postgres, MySQL, SQLite, SQLServer} {
		caps, err := By(name)
		require.NoError(t, err)
		assert.Equal(t, name, caps.Name)
		assert.NotNil(t, caps.QuoteIdent)
		assert.NotNil(t, caps.Placeholder)
		assert.NotNil(t, caps.BoolLiteral)
	}
	_, err := By("oracle")
	assert.EqualError(t, err, `dialect: unknown dialect "oracle"`)
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		caps  Capabilities
		in    string
		quote string
	}{
		{PostgresCapabilities, "users", `"users"`},
		{PostgresCapabilities, `we"ird`, `"we""ird"`},
		{SQLiteCapabilities, "users", `"users"`},
		{MySQLCapabilities, "users", "`users`"},
		{SQLServerCapabilities, "users", "[users]"},
		{SQLServerCapabilities, "we]ird", "[we]]ird]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.quote, tt.caps.QuoteIdent(tt.in))
	}
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "$1", PostgresCapabilities.Placeholder(1))
	assert.Equal(t, "$12", PostgresCapabilities.Placeholder(12))
	assert.Equal(t, "?", MySQLCapabilities.Placeholder(1))
	assert.Equal(t, "?", SQLiteCapabilities.Placeholder(7))
	assert.Equal(t, "@p1", SQLServerCapabilities.Placeholder(1))
	assert.Equal(t, "@p3", SQLServerCapabilities.Placeholder(3))
}

func TestBoolLiteral(t *testing.T) {
	assert.Equal(t, "TRUE", PostgresCapabilities.BoolLiteral(true))
	assert.Equal(t, "FALSE", PostgresCapabilities.BoolLiteral(false))
	assert.Equal(t, "1", MySQLCapabilities.BoolLiteral(true))
	assert.Equal(t, "0", SQLiteCapabilities.BoolLiteral(false))
	assert.Equal(t, "1", SQLServerCapabilities.BoolLiteral(true))
}

func TestPaginationStyles(t *testing.T) {
	assert.Equal(t, LimitOffset, PostgresCapabilities.LimitOffset)
	assert.Equal(t, LimitRequiredWithOffset, MySQLCapabilities.LimitOffset)
	assert.Equal(t, LimitOffset, SQLiteCapabilities.LimitOffset)
	assert.Equal(t, OffsetFetch, SQLServerCapabilities.LimitOffset)
}

func TestRegexpSupport(t *testing.T) {
	assert.Equal(t, "~", PostgresCapabilities.RegexpOp)
	assert.Equal(t, "REGEXP", MySQLCapabilities.RegexpOp)
	assert.Empty(t, SQLiteCapabilities.RegexpOp)
	assert.Empty(t, SQLServerCapabilities.RegexpOp)
	assert.True(t, PostgresCapabilities.SupportsILike)
	assert.False(t, MySQLCapabilities.SupportsILike)
}
