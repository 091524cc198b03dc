package memstore

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/dfrankow/reldatasync/internal/document"
)

// walEntry is one durably-logged mutation. Every entry is a put: Delete is
// modeled as a Put of a tombstoned document, so the WAL never needs a
// second entry shape.
type walEntry struct {
	Doc document.Document `json:"doc"`
}

// wal is an append-only, NDJSON-encoded log backed by a single file. Each
// accepted write is appended and fsynced before it is applied to the
// in-memory map, so a crash between the two can only lose work that was
// never acknowledged.
type wal struct {
	mu   sync.Mutex
	file *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &wal{file: f}, nil
}

func (w *wal) append(doc document.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(walEntry{Doc: doc})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *wal) readAll() ([]document.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}

	var docs []document.Document
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A half-written trailing line means the process crashed
			// mid-append; everything earlier in the file is still
			// intact and safe to apply.
			break
		}
		docs = append(docs, e.Doc)
	}
	return docs, scanner.Err()
}

func (w *wal) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 0)
	return err
}

func (w *wal) close() error {
	return w.file.Close()
}
