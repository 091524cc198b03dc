// Package replicator drives chunked pull-based sync between two
// datastore.Datastore instances, grounded on the original's
// reldatasync/replicator.py: it moves destination's peer cursor forward
// in chunkSize-ish steps, pulling and applying every doc source has
// produced since that cursor, once in each direction, followed by a
// trailing reconciliation pull that must report no further change.
package replicator

import (
	"context"
	"fmt"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"go.uber.org/zap"
)

// Replicator pairs a source and destination with a chunk size for
// repeated syncing, mirroring the original Python class.
type Replicator struct {
	Source      datastore.Datastore
	Destination datastore.Datastore
	ChunkSize   int64
	Log         *zap.Logger
}

// New constructs a Replicator. A nil logger is replaced with zap.NewNop().
func New(source, destination datastore.Datastore, chunkSize int64, log *zap.Logger) *Replicator {
	if log == nil {
		log = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = 10
	}
	return &Replicator{Source: source, Destination: destination, ChunkSize: chunkSize, Log: log}
}

// Pull moves changes from source to destination, advancing destination's
// cursor for source as it goes. Returns the number of documents destination
// actually accepted (ignored puts don't count).
func Pull(ctx context.Context, destination, source datastore.Datastore, chunkSize int64, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = 10
	}

	docsChanged := 0
	oldPeerSeq, err := destination.GetPeerSequenceID(ctx, source.ReplicaID())
	if err != nil {
		return 0, fmt.Errorf("replicator: get peer sequence id: %w", err)
	}
	newPeerSeq := oldPeerSeq

	var sourceSeq int64
	haveSourceSeq := false

	for !haveSourceSeq || sourceSeq > newPeerSeq {
		if err := ctx.Err(); err != nil {
			return docsChanged, err
		}

		seq, docs, err := source.GetDocsSince(ctx, newPeerSeq, chunkSize)
		if err != nil {
			return docsChanged, fmt.Errorf("replicator: get docs since %d: %w", newPeerSeq, err)
		}
		sourceSeq = seq
		haveSourceSeq = true

		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return docsChanged, err
			}
			accepted, _, err := destination.Put(ctx, doc, false)
			if err != nil {
				return docsChanged, fmt.Errorf("replicator: put %s: %w", doc.ID, err)
			}
			docsChanged += accepted
		}

		if sourceSeq < newPeerSeq+chunkSize {
			newPeerSeq = sourceSeq
		} else {
			newPeerSeq = newPeerSeq + chunkSize
		}
	}

	if sourceSeq < newPeerSeq {
		return docsChanged, fmt.Errorf(
			"replicator: source seq %d < advanced peer seq %d", sourceSeq, newPeerSeq)
	}
	if !(newPeerSeq > oldPeerSeq || sourceSeq == oldPeerSeq) {
		return docsChanged, fmt.Errorf(
			"replicator: peer seq did not advance (old=%d new=%d source=%d)", oldPeerSeq, newPeerSeq, sourceSeq)
	}
	if !(newPeerSeq > oldPeerSeq || docsChanged == 0) {
		return docsChanged, fmt.Errorf(
			"replicator: docs changed (%d) without peer seq advancing", docsChanged)
	}

	if err := destination.SetPeerSequenceID(ctx, source.ReplicaID(), newPeerSeq); err != nil {
		return docsChanged, fmt.Errorf("replicator: set peer sequence id: %w", err)
	}

	log.Debug("pull complete",
		zap.String("source", source.ReplicaID()),
		zap.String("destination", destination.ReplicaID()),
		zap.Int64("new_peer_seq", newPeerSeq),
		zap.Int("docs_changed", docsChanged))
	return docsChanged, nil
}

// Pull moves changes from r.Destination into r.Source (the reverse
// direction from push — named to match the original's pull_changes,
// which pulls the destination's own changes back into the source).
func (r *Replicator) Pull(ctx context.Context) (int, error) {
	return Pull(ctx, r.Source, r.Destination, r.ChunkSize, r.Log)
}

// push moves changes from r.Source into r.Destination.
func (r *Replicator) push(ctx context.Context) (int, error) {
	return Pull(ctx, r.Destination, r.Source, r.ChunkSize, r.Log)
}

// SyncBothDirections fully reconciles source and destination: push then
// pull then a final reconciliation push that must report zero changes.
// The historical assertion that destination.SequenceID() ==
// source.SequenceID() after this is NOT checked here — ignored puts can
// leave the two sequence counters permanently different even once every
// document agrees, and asserting equality is a documented mistake in the
// system this was modeled on.
func SyncBothDirections(ctx context.Context, source, destination datastore.Datastore, chunkSize int64, log *zap.Logger) error {
	r := New(source, destination, chunkSize, log)
	return r.SyncBothDirections(ctx)
}

// SyncBothDirections is the method form; see the package-level function.
func (r *Replicator) SyncBothDirections(ctx context.Context) error {
	r.Log.Debug("push changes", zap.String("from", r.Source.ReplicaID()), zap.String("to", r.Destination.ReplicaID()))
	if _, err := r.push(ctx); err != nil {
		return err
	}

	r.Log.Debug("pull changes", zap.String("from", r.Destination.ReplicaID()), zap.String("to", r.Source.ReplicaID()))
	if _, err := r.Pull(ctx); err != nil {
		return err
	}

	r.Log.Debug("reconciliation push", zap.String("from", r.Source.ReplicaID()), zap.String("to", r.Destination.ReplicaID()))
	finalChanges, err := r.push(ctx)
	if err != nil {
		return err
	}
	if finalChanges != 0 {
		return fmt.Errorf("replicator: reconciliation pull reported %d changes, expected 0", finalChanges)
	}

	gotPeerSeq, err := r.Destination.GetPeerSequenceID(ctx, r.Source.ReplicaID())
	if err != nil {
		return err
	}
	if gotPeerSeq != r.Source.SequenceID() {
		return fmt.Errorf(
			"replicator: %s thinks %s seq is %d, but %s thinks its own seq is %d",
			r.Destination.ReplicaID(), r.Source.ReplicaID(), gotPeerSeq,
			r.Source.ReplicaID(), r.Source.SequenceID())
	}

	r.Log.Debug("sync done",
		zap.String("source", r.Source.ReplicaID()), zap.Int64("source_seq", r.Source.SequenceID()),
		zap.String("destination", r.Destination.ReplicaID()), zap.Int64("destination_seq", r.Destination.SequenceID()))
	return nil
}
