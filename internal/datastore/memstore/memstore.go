// Package memstore is the in-memory Backend: a map that preserves
// insertion order so GetDocsSince can scan it in _seq order and
// short-circuit early, exactly like the original MemoryDatastore.
package memstore

import (
	"context"
	"sync"

	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/google/uuid"
)

// Backend is an in-memory, non-durable datastore.Backend. It is useful
// for tests, for a pure client-side replica, and as the storage layer
// wrapped by DurableBackend for crash-safe single-node deployments.
type Backend struct {
	mu sync.Mutex

	id   string
	name string
	seq  int64

	// order preserves insertion order; a put on an existing id moves it
	// to the tail, so order doubles as _seq order. This is the invariant
	// noted in the design notes: every accepted put moves the doc to the
	// tail with a fresh _seq, so insertion order == _seq order.
	order []string
	docs  map[string]document.Document
}

// New creates a Backend. If id is empty, a random 32-hex replica id is
// generated, per the spec's default replica identity.
func New(name, id string) *Backend {
	if id == "" {
		id = randomID()
	}
	return &Backend{
		id:   id,
		name: name,
		docs: make(map[string]document.Document),
	}
}

func randomID() string {
	return uuid.New().String()[:8] +
		uuid.New().String()[:8] +
		uuid.New().String()[:8] +
		uuid.New().String()[:8]
}

func (b *Backend) Acquire(context.Context) (string, string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.name, b.seq, nil
}

func (b *Backend) Release(context.Context) error { return nil }

func (b *Backend) BumpSequence(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq, nil
}

func (b *Backend) GetRaw(_ context.Context, id string) (document.Document, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[id]
	if !ok {
		return document.Document{}, false, nil
	}
	return doc.Copy(), true, nil
}

func (b *Backend) PutRaw(_ context.Context, doc document.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.docs[doc.ID]; exists {
		b.removeFromOrder(doc.ID)
	}
	b.docs[doc.ID] = doc.Copy()
	b.order = append(b.order, doc.ID)
	return nil
}

func (b *Backend) removeFromOrder(id string) {
	for i, existingID := range b.order {
		if existingID == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

func (b *Backend) ScanSince(_ context.Context, cursor, n int64) ([]document.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []document.Document
	for _, id := range b.order {
		doc := b.docs[id]
		if doc.Seq > cursor+n {
			// order == _seq order, so nothing further can match either.
			break
		}
		if doc.Seq > cursor {
			out = append(out, doc.Copy())
		}
	}
	return out, nil
}
