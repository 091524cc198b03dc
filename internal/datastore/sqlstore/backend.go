// Package sqlstore is the relational datastore.Backend: a table the
// caller already owns (with reserved columns _id, _rev, _seq, _deleted
// alongside whatever application columns it wants) plus a small
// data_sync_revisions metadata table that holds the monotone sequence
// counter, grounded on the upsert-based PostgresDatastore in the original
// implementation.
//
// Two dialects are supported against the same database/sql-based code:
// Postgres (github.com/jackc/pgx/v5/stdlib) and SQLite
// (github.com/mattn/go-sqlite3), switched on by name at Open time.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/dfrankow/reldatasync/internal/vectorclock"
	"github.com/google/uuid"
)

// revisionsTable is the metadata table tracking each datastore's identity
// and sequence counter, named after the original's data_sync_revisions.
const revisionsTable = "data_sync_revisions"

// Backend is a datastore.Backend over a relational table.
type Backend struct {
	db      *sql.DB
	dia     dialect
	table   string
	id      string
	name    string
	columns []string
}

// New constructs a Backend against an already-open *sql.DB. dialectName is
// "postgres" or "sqlite". table is the name of the caller-owned document
// table; it must already have _id, _rev, _seq, _deleted columns (Acquire
// verifies this and returns datastore.ErrMissingReservedColumn if not).
func New(db *sql.DB, dialectName, table, datastoreName, datastoreID string) (*Backend, error) {
	var dia dialect
	switch dialectName {
	case "postgres":
		dia = postgresDialect{}
	case "sqlite":
		dia = sqliteDialect{}
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialectName)
	}
	if datastoreID == "" {
		datastoreID = randomID()
	}
	return &Backend{
		db:    db,
		dia:   dia,
		table: table,
		id:    datastoreID,
		name:  datastoreName,
	}, nil
}

// randomID generates a fresh replica id, matching memstore.randomID's use
// of google/uuid. Two datastores must never share a replica_id, so this
// must never be deterministic or repeat across processes.
func randomID() string {
	return "sql-" + uuid.New().String()
}

// Acquire binds to the data_sync_revisions row for this datastore by name:
// if one already exists, its persisted datastore_id and sequence_id are
// adopted (so a restart recovers the same replica identity and a
// monotonically non-decreasing sequence counter, instead of regressing to
// a fresh orphan row); otherwise a new row is inserted with the
// configured/generated id. It also verifies the document table has the
// reserved columns this package requires.
func (b *Backend) Acquire(ctx context.Context) (string, string, int64, error) {
	if err := b.ensureRevisionsTable(ctx); err != nil {
		return "", "", 0, err
	}

	var id string
	var seq int64
	row := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT datastore_id, sequence_id FROM %s WHERE datastore_name = %s`,
			revisionsTable, b.dia.placeholder(1)),
		b.name)
	switch err := row.Scan(&id, &seq); err {
	case nil:
		b.id = id
	case sql.ErrNoRows:
		if _, err := b.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (datastore_id, datastore_name, sequence_id) VALUES (%s, %s, 0) ON CONFLICT (datastore_id) DO NOTHING`,
				revisionsTable, b.dia.placeholder(1), b.dia.placeholder(2)),
			b.id, b.name); err != nil {
			return "", "", 0, fmt.Errorf("sqlstore: init revisions row: %w", err)
		}
		seq = 0
	default:
		return "", "", 0, fmt.Errorf("sqlstore: read revisions row: %w", err)
	}

	if err := b.loadColumns(ctx); err != nil {
		return "", "", 0, err
	}

	return b.id, b.name, seq, nil
}

func (b *Backend) ensureRevisionsTable(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		datastore_id TEXT PRIMARY KEY,
		datastore_name TEXT NOT NULL,
		sequence_id BIGINT NOT NULL
	)`, revisionsTable))
	if err != nil {
		return fmt.Errorf("sqlstore: create %s: %w", revisionsTable, err)
	}
	return nil
}

func (b *Backend) loadColumns(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE 1=0`, b.table))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", datastore.ErrMissingTable, b.table, err)
	}
	cols, err := rows.Columns()
	rows.Close()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", datastore.ErrMissingTable, b.table, err)
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}
	for _, required := range []string{document.FieldID, document.FieldRev, document.FieldSeq, document.FieldDeleted} {
		if !have[required] {
			return fmt.Errorf("%w: %s missing from %s", datastore.ErrMissingReservedColumn, required, b.table)
		}
	}

	b.columns = cols
	return nil
}

// Release is a no-op; the caller owns *sql.DB and closes it itself.
func (b *Backend) Release(context.Context) error { return nil }

// BumpSequence atomically increments and returns the persisted sequence
// counter. Requires RETURNING support (Postgres always; SQLite 3.35+,
// which is what github.com/mattn/go-sqlite3 bundles) — an older engine
// surfaces as datastore.ErrVersionMismatch.
func (b *Backend) BumpSequence(ctx context.Context) (int64, error) {
	row := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sequence_id = sequence_id + 1 WHERE datastore_id = %s RETURNING sequence_id`,
			revisionsTable, b.dia.placeholder(1)),
		b.id)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "syntax") {
			return 0, fmt.Errorf("%w: RETURNING unsupported: %v", datastore.ErrVersionMismatch, err)
		}
		return 0, fmt.Errorf("sqlstore: bump sequence: %w", err)
	}
	return seq, nil
}

// GetRaw returns the row for id, including tombstones.
func (b *Backend) GetRaw(ctx context.Context, id string) (document.Document, bool, error) {
	row := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = %s`,
			strings.Join(b.columns, ","), b.table, document.FieldID, b.dia.placeholder(1)),
		id)

	vals := make([]any, len(b.columns))
	ptrs := make([]any, len(b.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return document.Document{}, false, nil
		}
		return document.Document{}, false, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}

	doc, err := b.rowToDoc(vals)
	if err != nil {
		return document.Document{}, false, err
	}
	return doc, true, nil
}

func (b *Backend) rowToDoc(vals []any) (document.Document, error) {
	doc := document.Document{Fields: map[string]any{}}
	for i, col := range b.columns {
		v := normalizeSQLValue(vals[i])
		switch col {
		case document.FieldID:
			doc.ID, _ = v.(string)
		case document.FieldRev:
			s, _ := v.(string)
			if s != "" {
				clock, err := vectorclock.Parse(s)
				if err != nil {
					return document.Document{}, fmt.Errorf("sqlstore: parse %s: %w", document.FieldRev, err)
				}
				doc.Rev = clock
			}
		case document.FieldSeq:
			doc.Seq = toInt64(v)
		case document.FieldDeleted:
			doc.Deleted = toBool(v)
		default:
			doc.Fields[col] = v
		}
	}
	return doc, nil
}

// normalizeSQLValue unwraps the []byte encoding both drivers use for TEXT
// columns into a plain string, so callers never have to special-case it.
func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toBool(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int64:
		return n != 0
	case string:
		return n == "1" || n == "true" || n == "t"
	default:
		return false
	}
}

// PutRaw upserts doc by _id, writing every reserved and application
// column. The set of columns is fixed at Acquire time from the table's
// schema; doc.Fields keys not present in the table are silently dropped,
// mirroring the original's column allowlist.
func (b *Backend) PutRaw(ctx context.Context, doc document.Document) error {
	vals := make([]any, len(b.columns))
	for i, col := range b.columns {
		switch col {
		case document.FieldID:
			vals[i] = doc.ID
		case document.FieldRev:
			if len(doc.Rev) > 0 {
				vals[i] = doc.Rev.String()
			} else {
				vals[i] = nil
			}
		case document.FieldSeq:
			vals[i] = doc.Seq
		case document.FieldDeleted:
			vals[i] = doc.Deleted
		default:
			vals[i] = doc.Fields[col]
		}
	}

	setClauses := make([]string, 0, len(b.columns))
	for _, col := range b.columns {
		if col == document.FieldID {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s=EXCLUDED.%s", col, col))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		b.table,
		strings.Join(b.columns, ","),
		placeholders(b.dia, 1, len(b.columns)),
		document.FieldID,
		strings.Join(setClauses, ","))

	if _, err := b.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("sqlstore: put %s: %w", doc.ID, err)
	}
	return nil
}

// ScanSince returns rows with cursor < _seq <= cursor+n, ascending by
// _seq.
func (b *Backend) ScanSince(ctx context.Context, cursor, n int64) ([]document.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s < %s AND %s <= %s ORDER BY %s ASC`,
		strings.Join(b.columns, ","), b.table,
		document.FieldSeq, b.dia.placeholder(1),
		document.FieldSeq, b.dia.placeholder(2),
		document.FieldSeq)

	rows, err := b.db.QueryContext(ctx, query, cursor, cursor+n)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan since %d: %w", cursor, err)
	}
	defer rows.Close()

	var out []document.Document
	for rows.Next() {
		vals := make([]any, len(b.columns))
		ptrs := make([]any, len(b.columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlstore: scan row: %w", err)
		}
		doc, err := b.rowToDoc(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
