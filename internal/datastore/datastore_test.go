package datastore_test

import (
	"context"
	"testing"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/datastore/memstore"
	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/dfrankow/reldatasync/internal/vectorclock"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, replicaID string) *datastore.Store {
	t.Helper()
	s, err := datastore.Acquire(context.Background(), memstore.New("test", replicaID))
	require.NoError(t, err)
	return s
}

func TestPutRejectsMissingID(t *testing.T) {
	s := openStore(t, "r1")
	_, _, err := s.Put(context.Background(), document.Document{}, true)
	require.ErrorIs(t, err, datastore.ErrInvalidDocument)
}

func TestPutRequiresRevWhenNotIncrementing(t *testing.T) {
	s := openStore(t, "r1")
	doc, err := document.New("a", nil)
	require.NoError(t, err)
	_, _, err = s.Put(context.Background(), doc, false)
	require.ErrorIs(t, err, datastore.ErrInvalidDocument)
}

func TestPutAcceptsFirstWriteAndBumpsSequence(t *testing.T) {
	s := openStore(t, "r1")
	doc, err := document.New("a", map[string]any{"x": 1})
	require.NoError(t, err)

	n, stored, err := s.Put(context.Background(), doc, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 1, stored.Seq)
	require.EqualValues(t, 1, s.SequenceID())
}

func TestPutIgnoresStaleRevision(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "r1")
	doc, _ := document.New("a", nil)
	_, stored, err := s.Put(ctx, doc, true)
	require.NoError(t, err)

	// Re-put the exact same (now stale) revision: must be ignored.
	n, _, err := s.Put(ctx, stored, false)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.EqualValues(t, 1, s.SequenceID())
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "r1")
	doc, _ := document.New("a", nil)
	_, _, err := s.Put(ctx, doc, true)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "a"))
	seqAfterFirst := s.SequenceID()

	require.NoError(t, s.Delete(ctx, "a"))
	require.Equal(t, seqAfterFirst, s.SequenceID())

	got, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = s.Get(ctx, "a", true)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Deleted)
}

func TestDeleteOfUnknownIDIsNoop(t *testing.T) {
	s := openStore(t, "r1")
	require.NoError(t, s.Delete(context.Background(), "missing"))
	require.EqualValues(t, 0, s.SequenceID())
}

func TestCheckDetectsConsistentState(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "r1")
	for _, id := range []string{"a", "b", "c"} {
		doc, _ := document.New(id, nil)
		_, _, err := s.Put(ctx, doc, true)
		require.NoError(t, err)
	}
	require.True(t, s.Check(ctx, 100))
}

func TestEqualsNoSeqIgnoresSequenceButNotContent(t *testing.T) {
	ctx := context.Background()
	s1 := openStore(t, "r1")
	s2 := openStore(t, "r2")

	doc1, _ := document.New("a", map[string]any{"x": 1})
	_, stored1, err := s1.Put(ctx, doc1, true)
	require.NoError(t, err)

	// Same content on s2 but a different local _seq history.
	other, _ := document.New("b", nil)
	_, _, err = s2.Put(ctx, other, true)
	require.NoError(t, err)
	require.NoError(t, s2.Delete(ctx, "b"))

	_, _, err = s2.Put(ctx, stored1, false)
	require.NoError(t, err)

	eq, err := s1.EqualsNoSeq(ctx, s2, 100)
	require.NoError(t, err)
	require.False(t, eq) // s2 additionally has the deleted "b" tombstone

	require.NoError(t, s2.Delete(ctx, "b"))
	// Now remove "b" from comparison isn't possible; instead confirm a
	// matching pair of stores compares equal.
	s3 := openStore(t, "r3")
	// Ingest an older revision of "a" first, so s3 holds stored1 at _seq 2
	// while s1 holds it at _seq 1.
	older := stored1.Copy()
	older.Rev = vectorclock.New()
	_, _, err = s3.Put(ctx, older, false)
	require.NoError(t, err)
	_, _, err = s3.Put(ctx, stored1, false)
	require.NoError(t, err)
	eq, err = s1.EqualsNoSeq(ctx, s3, 100)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestPeerSequenceIDMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "r1")

	require.NoError(t, s.SetPeerSequenceID(ctx, "peer", 5))
	got, err := s.GetPeerSequenceID(ctx, "peer")
	require.NoError(t, err)
	require.EqualValues(t, 5, got)

	require.NoError(t, s.SetPeerSequenceID(ctx, "peer", 2))
	got, err = s.GetPeerSequenceID(ctx, "peer")
	require.NoError(t, err)
	require.EqualValues(t, 5, got)
}
