package sql

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/dialect"
)

func TestOpenDB(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
	}{
		{"Postgres", dialect.Postgres},
		{"MySQL", dialect.MySQL},
		{"SQLite", dialect.SQLite},
		{"SQLServer", dialect.SQLServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			drv := OpenDB(tt.dialect, db)
			assert.NotNil(t, drv)
			assert.Equal(t, tt.dialect, drv.Dialect())
		})
	}
}

func TestDialectNormalization(t *testing.T) {
	tests := []struct {
		registered string
		want       string
	}{
		{"sqlite3", dialect.SQLite},
		{"mysql", dialect.MySQL},
		{"postgres-instrumented", dialect.Postgres},
		{"custom", "custom"},
	}
	for _, tt := range tests {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		drv := OpenDB(tt.registered, db)
		assert.Equal(t, tt.want, drv.Dialect())
		mock.ExpectClose()
		require.NoError(t, db.Close())
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestDriverQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	drv := OpenDB(dialect.SQLite, db)
	defer drv.Close()

	mock.ExpectQuery("SELECT").
		WithArgs("Go").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "Go"))

	rows := &Rows{}
	err = drv.Query(context.Background(), `SELECT "id", "title" FROM "books" WHERE "title" = ?`, []any{"Go"}, rows)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var (
		id    int64
		title string
	)
	require.NoError(t, rows.Scan(&id, &title))
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Go", title)
	require.NoError(t, rows.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverQueryInvalidTarget(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	drv := OpenDB(dialect.SQLite, db)
	defer drv.Close()

	err = drv.Query(context.Background(), "SELECT 1", []any{}, &struct{}{})
	assert.ErrorContains(t, err, "expect *sql.Rows")

	rows := &Rows{}
	err = drv.Query(context.Background(), "SELECT 1", "not-a-slice", rows)
	assert.ErrorContains(t, err, "expect []any for args")
}

func TestDriverExec(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	drv := OpenDB(dialect.SQLite, db)
	defer drv.Close()

	mock.ExpectExec("DELETE FROM books").
		WillReturnResult(sqlmock.NewResult(0, 3))

	var res sql.Result
	err = drv.Exec(context.Background(), "DELETE FROM books", []any{}, &res)
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
	require.NoError(t, mock.ExpectationsWereMet())

	// nil result target is allowed.
	mock.ExpectExec("DELETE FROM books").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, drv.Exec(context.Background(), "DELETE FROM books", []any{}, nil))
	require.NoError(t, mock.ExpectationsWereMet())

	err = drv.Exec(context.Background(), "DELETE FROM books", []any{}, &struct{}{})
	assert.ErrorContains(t, err, "expect *sql.Result")
}

func TestDriverTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	drv := OpenDB(dialect.Postgres, db)
	defer drv.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectCommit()

	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	rows := &Rows{}
	require.NoError(t, tx.Query(context.Background(), "SELECT 1", []any{}, rows))
	require.NoError(t, rows.Close())
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err = drv.Tx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	drv := OpenDB(dialect.SQLite, db)
	defer drv.Close()

	boom := errors.New("disk I/O error")
	mock.ExpectQuery("SELECT").WillReturnError(boom)

	rows := &Rows{}
	err = drv.Query(context.Background(), "SELECT 1", []any{}, rows)
	// Backend errors pass through unmodified.
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
