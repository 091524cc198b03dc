package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dfrankow/reldatasync/internal/datastore"
)

// Factory lazily constructs (and, the first time, Acquires) the
// datastore.Datastore backing one "type" table within one named
// datastore. It is called at most once per (datastore, type) pair; the
// result is cached for the server's lifetime.
//
// This is the "_get_datastore"/"add_datastore_class" registry pattern
// from the original Django rest_api.py, made an explicit value passed
// around instead of a process-global, per the design notes.
type Factory func() (datastore.Datastore, error)

// Registry maps (datastore name, document type) pairs to their backing
// Datastore, built lazily from a registered Factory.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*namedDatastore
}

type namedDatastore struct {
	name  string
	types map[string]*lazyDatastore
}

type lazyDatastore struct {
	once    sync.Once
	factory Factory
	ds      datastore.Datastore
	err     error
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*namedDatastore)}
}

// Register adds a Factory for (ds, docType). displayName is the
// human-readable name returned from ListDatastores for ds; it must be
// consistent across calls for the same ds.
func (r *Registry) Register(ds, displayName, docType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nd, ok := r.stores[ds]
	if !ok {
		nd = &namedDatastore{name: displayName, types: make(map[string]*lazyDatastore)}
		r.stores[ds] = nd
	}
	nd.types[docType] = &lazyDatastore{factory: factory}
}

// DatastoreInfo is one row of the GET /datastores listing.
type DatastoreInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// List returns every registered datastore name, sorted by id.
func (r *Registry) List() []DatastoreInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DatastoreInfo, 0, len(r.stores))
	for id, nd := range r.stores {
		out = append(out, DatastoreInfo{ID: id, Name: nd.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ErrUnknownDatastore is returned by Get when ds was never registered.
var ErrUnknownDatastore = fmt.Errorf("api: unknown datastore")

// ErrUnknownType is returned by Get when docType was never registered
// under ds.
var ErrUnknownType = fmt.Errorf("api: unknown document type")

// Get resolves (ds, docType) to its Datastore, constructing it via its
// Factory on first use.
func (r *Registry) Get(ds, docType string) (datastore.Datastore, error) {
	r.mu.Lock()
	nd, ok := r.stores[ds]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatastore, ds)
	}
	lazy, ok := nd.types[docType]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownType, ds, docType)
	}
	r.mu.Unlock()

	lazy.once.Do(func() {
		lazy.ds, lazy.err = lazy.factory()
	})
	if lazy.err != nil {
		return nil, fmt.Errorf("api: acquire %s/%s: %w", ds, docType, lazy.err)
	}
	return lazy.ds, nil
}
