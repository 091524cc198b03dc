package sqlstore

import (
	"fmt"
	"strings"
)

// dialect hides the SQL differences between Postgres and SQLite behind the
// one statement shape that actually varies between them: placeholder
// style. Both dialects support "INSERT ... ON CONFLICT" upsert syntax —
// Postgres always has, and the bundled go-sqlite3 driver links a SQLite
// recent enough (3.24+) that the upsert clause is never actually absent in
// practice, so there is no runtime fallback path to gate on.
type dialect interface {
	name() string
	placeholder(n int) string
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }
func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string           { return "sqlite" }
func (sqliteDialect) placeholder(int) string { return "?" }

// placeholders renders a comma-joined list of n placeholders starting at
// offset, e.g. placeholders(pg, 1, 3) -> "$1,$2,$3".
func placeholders(d dialect, offset, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = d.placeholder(offset + i)
	}
	return strings.Join(parts, ",")
}
