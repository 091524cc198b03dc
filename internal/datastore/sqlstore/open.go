package sqlstore

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens a *sql.DB for dialectName ("postgres" or "sqlite") against
// dsn, registering the matching driver. dsn is passed through unchanged:
// a Postgres connection string for "postgres", a file path (or ":memory:")
// for "sqlite".
func Open(dialectName, dsn string) (*sql.DB, error) {
	switch dialectName {
	case "postgres":
		return sql.Open("pgx", dsn)
	case "sqlite":
		return sql.Open("sqlite3", dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialectName)
	}
}
