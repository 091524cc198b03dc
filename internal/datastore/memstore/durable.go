package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dfrankow/reldatasync/internal/document"
)

// DurableBackend wraps the in-memory Backend with a write-ahead log and
// periodic snapshots, so a single-node deployment survives a restart
// without needing a relational backend. Every accepted write is appended
// to the WAL and fsynced before the in-memory map is updated; Snapshot
// compacts the WAL into a point-in-time file so recovery doesn't have to
// replay the whole history.
type DurableBackend struct {
	mu      sync.Mutex
	mem     *Backend
	dataDir string
	wal     *wal
}

type snapshotFile struct {
	ID   string              `json:"id"`
	Name string              `json:"name"`
	Seq  int64               `json:"seq"`
	Docs []document.Document `json:"docs"`
}

// NewDurable creates a DurableBackend rooted at dataDir. If id is empty, a
// random replica id is generated only when no prior snapshot exists;
// otherwise the persisted id from an earlier run is reused so the
// replica's identity survives restarts.
func NewDurable(name, id, dataDir string) *DurableBackend {
	return &DurableBackend{
		mem:     New(name, id),
		dataDir: dataDir,
	}
}

func (d *DurableBackend) snapshotPath() string { return filepath.Join(d.dataDir, "snapshot.json") }
func (d *DurableBackend) walPath() string      { return filepath.Join(d.dataDir, "wal.log") }

// Acquire creates dataDir if needed, loads the most recent snapshot (if
// any), replays the WAL entries written after it, and opens the WAL for
// further appends.
func (d *DurableBackend) Acquire(ctx context.Context) (string, string, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dataDir, 0755); err != nil {
		return "", "", 0, fmt.Errorf("memstore: create data dir: %w", err)
	}

	_, statErr := os.Stat(d.snapshotPath())
	hadSnapshot := statErr == nil

	if err := d.loadSnapshot(); err != nil {
		return "", "", 0, fmt.Errorf("memstore: load snapshot: %w", err)
	}

	w, err := openWAL(d.walPath())
	if err != nil {
		return "", "", 0, fmt.Errorf("memstore: open wal: %w", err)
	}
	d.wal = w

	if err := d.replayWAL(); err != nil {
		return "", "", 0, fmt.Errorf("memstore: replay wal: %w", err)
	}

	// Without a snapshot the replica id exists only in memory; write one
	// now so a restart before the first Snapshot reuses the id. The WAL is
	// left untouched and still holds every document.
	if !hadSnapshot {
		data, err := json.Marshal(snapshotFile{ID: d.mem.id, Name: d.mem.name, Seq: d.mem.seq})
		if err == nil {
			err = os.WriteFile(d.snapshotPath(), data, 0644)
		}
		if err != nil {
			return "", "", 0, fmt.Errorf("memstore: write initial snapshot: %w", err)
		}
	}

	return d.mem.Acquire(ctx)
}

func (d *DurableBackend) loadSnapshot() error {
	f, err := os.Open(d.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}

	if snap.ID != "" {
		d.mem.id = snap.ID
	}
	if snap.Name != "" {
		d.mem.name = snap.Name
	}
	d.mem.seq = snap.Seq
	for _, doc := range snap.Docs {
		d.mem.docs[doc.ID] = doc
		d.mem.order = append(d.mem.order, doc.ID)
	}
	return nil
}

func (d *DurableBackend) replayWAL() error {
	docs, err := d.wal.readAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if _, exists := d.mem.docs[doc.ID]; exists {
			d.mem.removeFromOrder(doc.ID)
		}
		d.mem.docs[doc.ID] = doc
		d.mem.order = append(d.mem.order, doc.ID)
		if doc.Seq > d.mem.seq {
			d.mem.seq = doc.Seq
		}
	}
	return nil
}

// Release closes the WAL file.
func (d *DurableBackend) Release(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wal == nil {
		return nil
	}
	return d.wal.close()
}

func (d *DurableBackend) BumpSequence(ctx context.Context) (int64, error) {
	return d.mem.BumpSequence(ctx)
}

func (d *DurableBackend) GetRaw(ctx context.Context, id string) (document.Document, bool, error) {
	return d.mem.GetRaw(ctx, id)
}

// PutRaw appends doc to the WAL before applying it in memory, so a crash
// between the two only risks losing a write the caller never saw
// acknowledged.
func (d *DurableBackend) PutRaw(ctx context.Context, doc document.Document) error {
	d.mu.Lock()
	w := d.wal
	d.mu.Unlock()

	if err := w.append(doc); err != nil {
		return fmt.Errorf("memstore: wal append: %w", err)
	}
	return d.mem.PutRaw(ctx, doc)
}

func (d *DurableBackend) ScanSince(ctx context.Context, cursor, n int64) ([]document.Document, error) {
	return d.mem.ScanSince(ctx, cursor, n)
}

// Snapshot writes the full in-memory state to disk and truncates the WAL,
// so future recovery only has to replay what's been written since. Safe
// to call concurrently with reads and writes; it briefly holds the same
// lock PutRaw blocks on.
func (d *DurableBackend) Snapshot(context.Context) error {
	d.mem.mu.Lock()
	snap := snapshotFile{
		ID:   d.mem.id,
		Name: d.mem.name,
		Seq:  d.mem.seq,
		Docs: make([]document.Document, 0, len(d.mem.order)),
	}
	for _, id := range d.mem.order {
		snap.Docs = append(snap.Docs, d.mem.docs[id])
	}
	d.mem.mu.Unlock()

	path := d.snapshotPath()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	d.mu.Lock()
	w := d.wal
	d.mu.Unlock()
	return w.truncate()
}
