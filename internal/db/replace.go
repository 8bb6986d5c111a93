package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Keyed names a table whose rows belong to one owner value, such as the
// per-run child tables.
type Keyed struct {
	// Table may be schema-qualified.
	Table string
	Key   string
}

// ReplaceRows deletes every row of t owned by owner, then COPYs rows in.
// Run it inside InTx so readers never see the gap.
func ReplaceRows(ctx context.Context, q Execer, t Keyed, owner any, columns []string, rows [][]any) (int64, error) {
	if t.Table == "" || t.Key == "" {
		return 0, eris.New("db: replace: table and key are required")
	}

	ident := identifier(t.Table)
	del := "DELETE FROM " + ident.Sanitize() + " WHERE " + pgx.Identifier{t.Key}.Sanitize() + " = $1"
	if _, err := q.Exec(ctx, del, owner); err != nil {
		return 0, eris.Wrapf(err, "db: replace: clear %s", t.Table)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: replace: copy into %s", t.Table)
	}
	return n, nil
}

func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}
