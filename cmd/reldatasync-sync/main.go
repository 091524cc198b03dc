// cmd/reldatasync-sync is the two-URL sync driver: it acquires two
// datastores named by --ds1/--ds2, runs sync_both_directions, checks both,
// and prints each replica's sequence_id.
//
// Example:
//
//	./reldatasync-sync \
//	    --ds1 'postgresql://user:pw@localhost/mydb/widgets?datastore=widgets' \
//	    --ds2 'sqlite:///var/lib/reldatasync/widgets.db/widgets?datastore=widgets'
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/datastore/sqlstore"
	"github.com/dfrankow/reldatasync/internal/replicator"
	"github.com/spf13/cobra"
)

func main() {
	var ds1URL, ds2URL string
	var chunkSize int64

	root := &cobra.Command{
		Use:   "reldatasync-sync",
		Short: "Synchronize two document datastores in both directions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ds1URL, ds2URL, chunkSize)
		},
	}
	root.Flags().StringVar(&ds1URL, "ds1", "", "first datastore URL (required)")
	root.Flags().StringVar(&ds2URL, "ds2", "", "second datastore URL (required)")
	root.Flags().Int64Var(&chunkSize, "chunk-size", 100, "replication chunk size")
	root.MarkFlagRequired("ds1")
	root.MarkFlagRequired("ds2")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, ds1URL, ds2URL string, chunkSize int64) error {
	ds1, close1, err := openDatastore(ctx, ds1URL)
	if err != nil {
		return fmt.Errorf("--ds1: %w", err)
	}
	defer close1()

	ds2, close2, err := openDatastore(ctx, ds2URL)
	if err != nil {
		return fmt.Errorf("--ds2: %w", err)
	}
	defer close2()

	if err := replicator.SyncBothDirections(ctx, ds1, ds2, chunkSize, nil); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if !ds1.Check(ctx, ds1.SequenceID()) {
		return fmt.Errorf("check ds1: sanity check failed")
	}
	if !ds2.Check(ctx, ds2.SequenceID()) {
		return fmt.Errorf("check ds2: sanity check failed")
	}

	fmt.Printf("ds1 (%s): sequence_id=%d\n", ds1.ReplicaID(), ds1.SequenceID())
	fmt.Printf("ds2 (%s): sequence_id=%d\n", ds2.ReplicaID(), ds2.SequenceID())
	return nil
}

// openDatastore parses a postgresql:// or sqlite:// URL into an acquired
// *datastore.Store, per the URL scheme in the CLI surface: the path's
// first component up to the table name is the DSN, and a required
// "datastore" query parameter names the backend's identity.
func openDatastore(ctx context.Context, raw string) (*datastore.Store, func(), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}

	name := u.Query().Get("datastore")
	if name == "" {
		return nil, nil, fmt.Errorf("missing required datastore query parameter")
	}

	var (
		dialect string
		dsn     string
		table   string
		dbPath  string
	)

	switch u.Scheme {
	case "postgresql", "postgres":
		dialect = "postgres"
		path := strings.Trim(u.Path, "/")
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			return nil, nil, fmt.Errorf("postgresql URL must be postgresql://user:pw@host/db/table")
		}
		dbPath, table = path[:idx], path[idx+1:]
		connURL := *u
		connURL.Path = "/" + dbPath
		connURL.RawQuery = ""
		dsn = connURL.String()

	case "sqlite":
		dialect = "sqlite"
		path := strings.TrimPrefix(u.Path, "/")
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			return nil, nil, fmt.Errorf("sqlite URL must be sqlite:///path/to/file/table")
		}
		dsn, table = "/"+path[:idx], path[idx+1:]

	default:
		return nil, nil, fmt.Errorf("unsupported URL scheme %q (want postgresql:// or sqlite://)", u.Scheme)
	}

	db, err := sqlstore.Open(dialect, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	backend, err := sqlstore.New(db, dialect, table, name, "")
	if err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("new backend: %w", err)
	}

	store, err := datastore.Acquire(ctx, backend)
	if err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("acquire: %w", err)
	}

	return store, func() {
		store.Release(ctx)
		closeDB(db)
	}, nil
}

func closeDB(db *sql.DB) {
	if db != nil {
		db.Close()
	}
}
