// Package datastore implements the per-replica contract that makes
// replication correct: a monotone local sequence, tombstoned deletes,
// per-peer cursors, and idempotent ingest under vector-clock comparison.
//
// The algorithm lives once, in Store, against a small Backend interface
// that only has to know how to persist bytes (in memory, in a SQL table,
// ...). This mirrors the "abstract base holds the algorithm, backend
// plugs in storage" split called out in the design notes.
package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/dfrankow/reldatasync/internal/vectorclock"
)

// Backend is the storage plug-in a concrete datastore variant implements.
// It owns bytes; Store owns the algorithm (sequence allocation, clock
// comparison, tombstoning, peer cursors).
type Backend interface {
	// Acquire opens the backend, binding (or creating) its identity and
	// current sequence counter. Called once before any other method.
	Acquire(ctx context.Context) (replicaID, replicaName string, sequenceID int64, err error)

	// Release closes whatever Acquire opened. It must not close any
	// externally-owned shared resource (e.g. a *sql.DB the backend was
	// handed).
	Release(ctx context.Context) error

	// BumpSequence atomically increments the backend's persisted
	// sequence counter and returns the new value. Implementations that
	// share a separate counter table (the relational backend) must keep
	// it in lockstep with the value returned here.
	BumpSequence(ctx context.Context) (int64, error)

	// GetRaw returns the stored document for id, including tombstones,
	// or ok=false if there is no such document at all.
	GetRaw(ctx context.Context, id string) (doc document.Document, ok bool, err error)

	// PutRaw persists doc verbatim. doc._rev and doc._seq are already
	// final; PutRaw must not further mutate them.
	PutRaw(ctx context.Context, doc document.Document) error

	// ScanSince returns all documents (tombstones included) with
	// cursor < _seq <= cursor+n, ascending by _seq.
	ScanSince(ctx context.Context, cursor, n int64) ([]document.Document, error)
}

// Datastore is the narrow interface the Replicator and HTTP client both
// satisfy — a *Store (backed by memory or SQL) or a remote HTTP adapter.
type Datastore interface {
	ReplicaID() string
	SequenceID() int64

	Get(ctx context.Context, id string, includeDeleted bool) (*document.Document, error)
	Put(ctx context.Context, doc document.Document, incrementRev bool) (accepted int, stored document.Document, err error)
	Delete(ctx context.Context, id string) error
	GetDocsSince(ctx context.Context, cursor int64, n int64) (sequenceID int64, docs []document.Document, err error)

	GetPeerSequenceID(ctx context.Context, peer string) (int64, error)
	SetPeerSequenceID(ctx context.Context, peer string, seq int64) error
}

// Store is the concrete algorithmic layer shared by every backend.
type Store struct {
	backend Backend

	mu         sync.Mutex
	replicaID  string
	name       string
	sequenceID int64
	peerSeqIDs map[string]int64
}

// Acquire opens backend and returns a ready-to-use Store. Call Release
// when done.
func Acquire(ctx context.Context, backend Backend) (*Store, error) {
	id, name, seq, err := backend.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: acquire: %w", err)
	}
	return &Store{
		backend:    backend,
		replicaID:  id,
		name:       name,
		sequenceID: seq,
		peerSeqIDs: make(map[string]int64),
	}, nil
}

// Release closes the backend.
func (s *Store) Release(ctx context.Context) error {
	return s.backend.Release(ctx)
}

// ReplicaID returns this replica's stable id.
func (s *Store) ReplicaID() string { return s.replicaID }

// Name returns this replica's human-readable name.
func (s *Store) Name() string { return s.name }

// SequenceID returns the current local sequence counter.
func (s *Store) SequenceID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceID
}

// Get returns the stored document for id, or nil if absent. A tombstone
// is hidden unless includeDeleted is set.
func (s *Store) Get(ctx context.Context, id string, includeDeleted bool) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok, err := s.backend.GetRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if doc.Deleted && !includeDeleted {
		return nil, nil
	}
	cp := doc.Copy()
	return &cp, nil
}

// Put stores doc under its id if the candidate revision strictly
// dominates whatever is currently stored (including tombstones);
// otherwise the put is silently ignored (not an error — see the version
// rule). Returns 1 and the document as persisted (with _seq/_rev filled
// in) when accepted, or 0 and the document as given when ignored.
func (s *Store) Put(ctx context.Context, doc document.Document, incrementRev bool) (int, document.Document, error) {
	if doc.ID == "" {
		return 0, document.Document{}, fmt.Errorf("%w: missing _id", ErrInvalidDocument)
	}
	if !incrementRev && doc.Rev == nil {
		return 0, document.Document{}, fmt.Errorf("%w: doc %s must have _rev if increment_rev is false", ErrInvalidDocument, doc.ID)
	}

	doc = doc.Copy()
	callerRev := doc.Rev // pre-state, for the strict-increase assertion below

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := doc.Rev
	if candidate == nil {
		candidate = vectorclock.New()
	}
	if incrementRev {
		candidate = candidate.Copy()
		// Provisional value for comparison only; the real sequence may
		// differ if it's allocated below.
		if err := candidate.Set(s.replicaID, uint64(s.sequenceID+1)); err != nil {
			return 0, document.Document{}, err
		}
	}

	existing, ok, err := s.backend.GetRaw(ctx, doc.ID)
	if err != nil {
		return 0, document.Document{}, err
	}

	accept := !ok || existing.Rev.Compare(candidate) == vectorclock.Less
	if !accept {
		return 0, doc, nil
	}

	seq, err := s.backend.BumpSequence(ctx)
	if err != nil {
		return 0, document.Document{}, err
	}
	s.sequenceID = seq

	if incrementRev {
		if err := candidate.Set(s.replicaID, uint64(seq)); err != nil {
			return 0, document.Document{}, err
		}
		if ok && candidate.Compare(existing.Rev) != vectorclock.Greater {
			return 0, document.Document{}, fmt.Errorf(
				"datastore: accepted put did not strictly increase _rev for %s (existing)", doc.ID)
		}
		if callerRev != nil && candidate.Compare(callerRev) != vectorclock.Greater {
			return 0, document.Document{}, fmt.Errorf(
				"datastore: accepted put did not strictly increase _rev for %s (caller pre-state)", doc.ID)
		}
		doc.Rev = candidate
	} else {
		doc.Rev = candidate
	}
	doc.Seq = seq

	if err := s.backend.PutRaw(ctx, doc); err != nil {
		return 0, document.Document{}, err
	}
	return 1, doc, nil
}

// Delete tombstones id. A no-op if id is absent or already a tombstone.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.backend.GetRaw(ctx, id)
	if err != nil {
		return err
	}
	if !ok || existing.Deleted {
		return nil
	}

	seq, err := s.backend.BumpSequence(ctx)
	if err != nil {
		return err
	}
	s.sequenceID = seq

	clock := existing.Rev.Copy()
	if clock == nil {
		clock = vectorclock.New()
	}
	if err := clock.Set(s.replicaID, uint64(seq)); err != nil {
		return err
	}

	tomb := existing.Copy()
	tomb.Deleted = true
	tomb.Rev = clock
	tomb.Seq = seq
	return s.backend.PutRaw(ctx, tomb)
}

// GetDocsSince returns the current sequence id and all documents
// (tombstones included) with cursor < _seq <= cursor+n, ascending.
func (s *Store) GetDocsSince(ctx context.Context, cursor, n int64) (int64, []document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.backend.ScanSince(ctx, cursor, n)
	if err != nil {
		return 0, nil, err
	}
	return s.sequenceID, docs, nil
}

// GetPeerSequenceID returns the high-water mark of peer's _seq already
// ingested, or 0 if unknown.
func (s *Store) GetPeerSequenceID(_ context.Context, peer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSeqIDs[peer], nil
}

// SetPeerSequenceID advances the cursor for peer. Lower values are
// silently ignored — the cursor only moves forward.
func (s *Store) SetPeerSequenceID(_ context.Context, peer string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.peerSeqIDs[peer] {
		s.peerSeqIDs[peer] = seq
	}
	return nil
}

// NewRevAndSeq atomically allocates a new sequence number and folds it
// into existingRev, for framework adapters that persist documents through
// a native ORM instead of Put.
func (s *Store) NewRevAndSeq(ctx context.Context, existingRev string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.backend.BumpSequence(ctx)
	if err != nil {
		return "", 0, err
	}
	s.sequenceID = seq

	clock, err := vectorclock.Parse(existingRev)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := clock.Set(s.replicaID, uint64(seq)); err != nil {
		return "", 0, err
	}
	return clock.String(), seq, nil
}

// Check runs the sanity checks from the spec's diagnostic surface: _id
// uniqueness, _seq uniqueness and boundedness, required fields present,
// and max(_seq) == sequence_id. Returns false (not an error) on failure
// so it can be used as a health probe.
func (s *Store) Check(ctx context.Context, maxSize int64) bool {
	seq, docs, err := s.GetDocsSince(ctx, 0, maxSize)
	if err != nil {
		return false
	}

	ok := true
	ids := make(map[string]bool, len(docs))
	seqs := make(map[int64]bool, len(docs))
	var maxSeq int64

	for _, doc := range docs {
		if ids[doc.ID] {
			ok = false
		}
		ids[doc.ID] = true

		if doc.ID == "" || doc.Rev == nil || doc.Seq == 0 {
			ok = false
		}

		if seqs[doc.Seq] {
			ok = false
		}
		seqs[doc.Seq] = true

		if doc.Seq > maxSeq {
			maxSeq = doc.Seq
		}
		if !(0 < doc.Seq && doc.Seq <= seq) {
			ok = false
		}
	}

	if maxSeq != seq {
		ok = false
	}
	return ok
}

// EqualsNoSeq reports whether s and other hold the same documents,
// ignoring _seq (which is local to each replica and may legitimately
// differ). Reads up to maxDocs documents from each side into memory.
func (s *Store) EqualsNoSeq(ctx context.Context, other Datastore, maxDocs int64) (bool, error) {
	_, docsA, err := s.GetDocsSince(ctx, 0, maxDocs)
	if err != nil {
		return false, err
	}
	_, docsB, err := other.GetDocsSince(ctx, 0, maxDocs)
	if err != nil {
		return false, err
	}

	if len(docsA) != len(docsB) {
		return false, nil
	}

	sort.Slice(docsA, func(i, j int) bool {
		return docsA[i].Compare(docsA[j], document.FieldSeq) < 0
	})
	sort.Slice(docsB, func(i, j int) bool {
		return docsB[i].Compare(docsB[j], document.FieldSeq) < 0
	})

	for i := range docsA {
		if docsA[i].Compare(docsB[i], document.FieldSeq) != 0 {
			return false, nil
		}
	}
	return true, nil
}
