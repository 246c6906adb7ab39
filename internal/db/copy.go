package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom appends rows to table over the COPY protocol. A short copy is an
// error: callers rely on every row of a batch landing or none of them.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, eris.Errorf("db: copy %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
	}

	n, err := pool.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return rows[i], nil
	}))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy %s", table)
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: copy %s: wrote %d of %d rows", table, n, len(rows))
	}
	return n, nil
}
