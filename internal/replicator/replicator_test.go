package replicator

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/datastore/memstore"
	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, name, id string) *datastore.Store {
	t.Helper()
	s, err := datastore.Acquire(context.Background(), memstore.New(name, id))
	require.NoError(t, err)
	return s
}

func TestSyncBothDirectionsNonOverlapping(t *testing.T) {
	ctx := context.Background()
	a := openStore(t, "a", "replica-a")
	b := openStore(t, "b", "replica-b")

	docA, err := document.New("A", map[string]any{"value": "v1"})
	require.NoError(t, err)
	_, _, err = a.Put(ctx, docA, true)
	require.NoError(t, err)

	docB, err := document.New("B", map[string]any{"value": "v2"})
	require.NoError(t, err)
	_, _, err = b.Put(ctx, docB, true)
	require.NoError(t, err)

	require.NoError(t, SyncBothDirections(ctx, a, b, 10, nil))

	gotA, err := a.Get(ctx, "A", false)
	require.NoError(t, err)
	require.NotNil(t, gotA)
	require.Equal(t, uint64(1), gotA.Rev["replica-a"])

	gotBOnA, err := a.Get(ctx, "B", false)
	require.NoError(t, err)
	require.NotNil(t, gotBOnA)
	require.Equal(t, uint64(1), gotBOnA.Rev["replica-b"])

	gotAOnB, err := b.Get(ctx, "A", false)
	require.NoError(t, err)
	require.NotNil(t, gotAOnB)

	equal, err := a.EqualsNoSeq(ctx, b, 1000)
	require.NoError(t, err)
	require.True(t, equal)
}

func TestSyncBothDirectionsTombstonePropagation(t *testing.T) {
	ctx := context.Background()
	a := openStore(t, "a", "replica-a")
	b := openStore(t, "b", "replica-b")

	doc, err := document.New("A", nil)
	require.NoError(t, err)
	_, _, err = a.Put(ctx, doc, true)
	require.NoError(t, err)
	require.NoError(t, SyncBothDirections(ctx, a, b, 10, nil))

	require.NoError(t, a.Delete(ctx, "A"))
	require.NoError(t, SyncBothDirections(ctx, a, b, 10, nil))

	got, err := b.Get(ctx, "A", false)
	require.NoError(t, err)
	require.Nil(t, got)

	tomb, err := b.Get(ctx, "A", true)
	require.NoError(t, err)
	require.NotNil(t, tomb)
	require.True(t, tomb.Deleted)
}

func TestPullChunking(t *testing.T) {
	ctx := context.Background()
	a := openStore(t, "a", "replica-a")
	b := openStore(t, "b", "replica-b")

	for i := 0; i < 7; i++ {
		doc, err := document.New(string(rune('a'+i)), nil)
		require.NoError(t, err)
		_, _, err = a.Put(ctx, doc, true)
		require.NoError(t, err)
	}

	changed, err := Pull(ctx, b, a, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 7, changed)

	// A reconciliation pull once fully caught up reports zero changes.
	changed, err = Pull(ctx, b, a, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 0, changed)
}

func TestSyncBothDirectionsIgnoredPutDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	a := openStore(t, "a", "replica-a")
	b := openStore(t, "b", "replica-b")

	doc, err := document.New("C", map[string]any{"value": "v3"})
	require.NoError(t, err)
	_, stored, err := a.Put(ctx, doc, true)
	require.NoError(t, err)

	require.NoError(t, SyncBothDirections(ctx, a, b, 10, nil))

	// Re-putting the exact same revision on b, with increment_rev=false,
	// must be ignored and must not disturb either side's sequence_id.
	seqBefore := b.SequenceID()
	accepted, _, err := b.Put(ctx, stored, false)
	require.NoError(t, err)
	require.Equal(t, 0, accepted)
	require.Equal(t, seqBefore, b.SequenceID())
}

// TestSyncBothDirectionsConcurrentSamePutSameWinner covers the concurrent
// write case directly: two replicas independently put the same id with no
// shared history, so their revisions are concurrent and vectorclock's
// tiebreak must pick a winner. That winner has to be the same no matter
// which replica's SyncBothDirections call initiates.
func TestSyncBothDirectionsConcurrentSamePutSameWinner(t *testing.T) {
	ctx := context.Background()

	setup := func() (*datastore.Store, *datastore.Store) {
		a := openStore(t, "a", "replica-a")
		b := openStore(t, "b", "replica-b")

		docA, err := document.New("X", map[string]any{"value": "from-a"})
		require.NoError(t, err)
		_, _, err = a.Put(ctx, docA, true)
		require.NoError(t, err)

		docB, err := document.New("X", map[string]any{"value": "from-b"})
		require.NoError(t, err)
		_, _, err = b.Put(ctx, docB, true)
		require.NoError(t, err)

		return a, b
	}

	aInitiated, bInitiated := setup()
	require.NoError(t, SyncBothDirections(ctx, aInitiated, bInitiated, 10, nil))

	aResponded, bResponded := setup()
	require.NoError(t, SyncBothDirections(ctx, bResponded, aResponded, 10, nil))

	want, err := aInitiated.Get(ctx, "X", false)
	require.NoError(t, err)
	require.NotNil(t, want)

	for _, s := range []*datastore.Store{bInitiated, aResponded, bResponded} {
		got, err := s.Get(ctx, "X", false)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want.Fields["value"], got.Fields["value"],
			"winner of concurrent put to %s must not depend on sync initiator", s.ReplicaID())
	}

	equal, err := aInitiated.EqualsNoSeq(ctx, bInitiated, 1000)
	require.NoError(t, err)
	require.True(t, equal)
}

// TestRandomizedConvergence drives N replicas through rounds of random
// puts/deletes followed by a full pairwise sync mesh, and checks that
// every replica ends up holding the same documents (ignoring _seq) and
// passes its own sanity check.
func TestRandomizedConvergence(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	const numReplicas = 4
	const numIDs = 6
	const numRounds = 5

	replicas := make([]*datastore.Store, numReplicas)
	for i := range replicas {
		replicas[i] = openStore(t, fmt.Sprintf("r%d", i), fmt.Sprintf("replica-%d", i))
	}

	ids := make([]string, numIDs)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%d", i)
	}

	for round := 0; round < numRounds; round++ {
		// Each replica independently mutates a random subset of ids.
		for _, s := range replicas {
			ops := 1 + rng.Intn(3)
			for k := 0; k < ops; k++ {
				id := ids[rng.Intn(len(ids))]

				existing, err := s.Get(ctx, id, true)
				require.NoError(t, err)

				if existing != nil && !existing.Deleted && rng.Intn(3) == 0 {
					require.NoError(t, s.Delete(ctx, id))
					continue
				}

				doc, err := document.New(id, map[string]any{"round": round, "n": rng.Int()})
				require.NoError(t, err)
				if existing != nil {
					doc.Rev = existing.Rev
				}
				_, _, err = s.Put(ctx, doc, true)
				require.NoError(t, err)
			}
		}

		// Full pairwise mesh: every pair exchanges directly, so one pass
		// over all pairs is enough for this round's changes to reach
		// every replica.
		for i := 0; i < numReplicas; i++ {
			for j := i + 1; j < numReplicas; j++ {
				require.NoError(t, SyncBothDirections(ctx, replicas[i], replicas[j], 3, nil))
			}
		}
	}

	for _, s := range replicas {
		require.True(t, s.Check(ctx, 1000), "replica %s failed Check", s.ReplicaID())
	}
	for i := 0; i < numReplicas; i++ {
		for j := i + 1; j < numReplicas; j++ {
			eq, err := replicas[i].EqualsNoSeq(ctx, replicas[j], 1000)
			require.NoError(t, err)
			require.True(t, eq, "replica %d and %d diverged", i, j)
		}
	}
}
