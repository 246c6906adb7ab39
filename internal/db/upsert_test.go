package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertStatement(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "fusion_scores",
		Columns:      []string{"entity_id", "source_id", "score"},
		ConflictKeys: []string{"entity_id", "source_id"},
	}

	got, err := UpsertStatement(cfg, Dollar)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "fusion_scores" ("entity_id", "source_id", "score") VALUES ($1, $2, $3)`+
			` ON CONFLICT ("entity_id", "source_id") DO UPDATE SET "score" = EXCLUDED."score"`,
		got)

	got, err = UpsertStatement(cfg, Question)
	require.NoError(t, err)
	assert.Contains(t, got, "VALUES (?, ?, ?)")
}

func TestUpsertStatement_WhereAndDoNothing(t *testing.T) {
	got, err := UpsertStatement(UpsertConfig{
		Table:        "leases",
		Columns:      []string{"k", "token", "expires_at"},
		ConflictKeys: []string{"k"},
		Where:        `"leases"."expires_at" < $4`,
	}, Dollar)
	require.NoError(t, err)
	assert.Contains(t, got, `DO UPDATE SET "token" = EXCLUDED."token", "expires_at" = EXCLUDED."expires_at" WHERE "leases"."expires_at" < $4`)

	got, err = UpsertStatement(UpsertConfig{
		Table:        "audit",
		Columns:      []string{"run_id", "source_id"},
		ConflictKeys: []string{"run_id", "source_id"},
	}, Question)
	require.NoError(t, err)
	assert.Contains(t, got, `ON CONFLICT ("run_id", "source_id") DO NOTHING`)
}

func TestUpsertStatement_Invalid(t *testing.T) {
	_, err := UpsertStatement(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}}, Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = UpsertStatement(UpsertConfig{Table: "t", Columns: []string{"id"}}, Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$3, $4", Placeholders(2, 3, Dollar))
	assert.Equal(t, "?, ?, ?", Placeholders(3, 1, Question))
	assert.Equal(t, "", Placeholders(0, 1, Dollar))
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "weightings",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "weightings",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTableName("weightings")}, cols).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "weightings",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}, {2, "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("db error"))

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "weightings",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestBulkUpsert_InsertErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTableName("weightings")}, cols).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "weightings",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for weightings")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTx_LeavesCommitToCaller(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTableName("weightings")}, cols).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	n, err := UpsertTx(context.Background(), tx, UpsertConfig{
		Table:        "weightings",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"fusion.metrics", `"fusion"."metrics"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
