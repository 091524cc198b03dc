package sqlstore

import (
	"context"
	"testing"

	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE widgets (
		_id TEXT PRIMARY KEY,
		_rev TEXT,
		_seq INTEGER,
		_deleted BOOLEAN NOT NULL DEFAULT 0,
		name TEXT
	)`)
	require.NoError(t, err)

	b, err := New(db, "sqlite", "widgets", "widgets-store", "replica-1")
	require.NoError(t, err)
	return b
}

func TestBackendAcquireLoadsColumnsAndSeq(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	id, name, seq, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, "replica-1", id)
	require.Equal(t, "widgets-store", name)
	require.EqualValues(t, 0, seq)
}

func TestBackendAcquireMissingReservedColumn(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE widgets (_id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	b, err := New(db, "sqlite", "widgets", "widgets-store", "replica-1")
	require.NoError(t, err)

	_, _, _, err = b.Acquire(ctx)
	require.Error(t, err)
}

func TestBackendPutGetScan(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, _, _, err := b.Acquire(ctx)
	require.NoError(t, err)

	seq, err := b.BumpSequence(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	doc, err := document.New("w1", map[string]any{"name": "sprocket"})
	require.NoError(t, err)
	doc.Seq = seq

	require.NoError(t, b.PutRaw(ctx, doc))

	got, ok, err := b.GetRaw(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sprocket", got.Fields["name"])
	require.EqualValues(t, 1, got.Seq)

	docs, err := b.ScanSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "w1", docs[0].ID)
}

func TestBackendSequenceCounterPersistsAcrossAcquire(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE widgets (
		_id TEXT PRIMARY KEY, _rev TEXT, _seq INTEGER, _deleted BOOLEAN NOT NULL DEFAULT 0, name TEXT
	)`)
	require.NoError(t, err)

	b1, err := New(db, "sqlite", "widgets", "widgets-store", "replica-1")
	require.NoError(t, err)
	_, _, _, err = b1.Acquire(ctx)
	require.NoError(t, err)
	_, err = b1.BumpSequence(ctx)
	require.NoError(t, err)
	_, err = b1.BumpSequence(ctx)
	require.NoError(t, err)

	b2, err := New(db, "sqlite", "widgets", "widgets-store", "replica-1")
	require.NoError(t, err)
	_, _, seq, err := b2.Acquire(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, seq)
}

// TestBackendAcquireRecoversIDAndSequenceByName covers a restart where the
// caller doesn't remember the previously generated replica id: Acquire
// must still find the row by datastore_name, adopt its datastore_id, and
// return the persisted sequence_id rather than inserting a fresh orphan
// row at 0.
func TestBackendAcquireRecoversIDAndSequenceByName(t *testing.T) {
	ctx := context.Background()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE widgets (
		_id TEXT PRIMARY KEY, _rev TEXT, _seq INTEGER, _deleted BOOLEAN NOT NULL DEFAULT 0, name TEXT
	)`)
	require.NoError(t, err)

	b1, err := New(db, "sqlite", "widgets", "widgets-store", "")
	require.NoError(t, err)
	id1, _, seq, err := b1.Acquire(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	require.EqualValues(t, 0, seq)
	_, err = b1.BumpSequence(ctx)
	require.NoError(t, err)
	_, err = b1.BumpSequence(ctx)
	require.NoError(t, err)

	b2, err := New(db, "sqlite", "widgets", "widgets-store", "")
	require.NoError(t, err)
	id2, name2, seq2, err := b2.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "restart without a remembered id must adopt the persisted datastore_id")
	require.Equal(t, "widgets-store", name2)
	require.EqualValues(t, 2, seq2, "restart must recover the persisted sequence_id, not regress to 0")
}
