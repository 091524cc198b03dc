// Package remotestore implements datastore.Datastore by calling the HTTP
// surface a peer's internal/api.Handler exposes. It satisfies
// datastore.Datastore directly, not datastore.Backend: ingest always goes
// through the public Put wire call, the way the original's
// RestClientSourceDatastore talks to the Django REST endpoints rather
// than touching any storage underneath them.
//
// Client doubles as a small Go SDK (ListDatastores) beyond what the
// Replicator itself needs, grounded on ppriyankuu-godkv's internal/client
// package.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dfrankow/reldatasync/internal/document"
)

// TransportError carries the HTTP status (or 0 for a connection-level
// failure) so callers can tell a hard failure from a retryable one. A 404
// on the docs endpoint means the remote datastore is gone — not worth
// retrying; a network timeout is.
type TransportError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remotestore: HTTP %d: %s", e.Status, e.Message)
}

// Client is a datastore.Datastore backed by one (ds, type) pair on a
// remote internal/api.Handler.
type Client struct {
	baseURL    string
	ds         string
	docType    string
	httpClient *http.Client

	mu         sync.Mutex
	sequenceID int64
	peerSeqIDs map[string]int64
}

// New creates a Client talking to baseURL for the (ds, docType) pair. If
// timeout is zero, a 30s default is used — never call a network API
// without one.
func New(baseURL, ds, docType string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		ds:         ds,
		docType:    docType,
		httpClient: &http.Client{Timeout: timeout},
		peerSeqIDs: make(map[string]int64),
	}
}

// ReplicaID identifies this remote datastore for peer-cursor bookkeeping.
// The wire surface has no "whoami" endpoint, so the configured ds name
// (unique per spec.md's URL scheme) stands in for it.
func (c *Client) ReplicaID() string { return c.ds }

// SequenceID returns the highest current_sequence_id / document _seq this
// Client has observed from the remote. It is a local cache, refreshed on
// every GetDocsSince or accepted Put — calling it before either returns 0.
func (c *Client) SequenceID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequenceID
}

func (c *Client) observeSeq(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.sequenceID {
		c.sequenceID = seq
	}
}

// GetPeerSequenceID and SetPeerSequenceID track peer cursors client-side:
// spec.md's wire surface (kept verbatim) has no endpoint for a remote
// datastore's peer_seq_ids, so a Client can only track what it itself
// believes about each peer, exactly as the embedding Store would.
func (c *Client) GetPeerSequenceID(_ context.Context, peer string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSeqIDs[peer], nil
}

func (c *Client) SetPeerSequenceID(_ context.Context, peer string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.peerSeqIDs[peer] {
		c.peerSeqIDs[peer] = seq
	}
	return nil
}

func (c *Client) docPath(id string) string {
	return fmt.Sprintf("%s/%s/%s/doc/%s", c.baseURL, c.ds, c.docType, url.PathEscape(id))
}

func (c *Client) docsCollectionPath() string {
	return fmt.Sprintf("%s/%s/%s/doc", c.baseURL, c.ds, c.docType)
}

func (c *Client) docsPath() string {
	return fmt.Sprintf("%s/%s/%s/docs", c.baseURL, c.ds, c.docType)
}

// Get fetches one document by id.
func (c *Client) Get(ctx context.Context, id string, includeDeleted bool) (*document.Document, error) {
	u := c.docPath(id)
	if includeDeleted {
		u += "?include_deleted=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var doc document.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// putResponse is the shared {num_docs_put, document} wire shape.
type putResponse struct {
	NumDocsPut int               `json:"num_docs_put"`
	Document   document.Document `json:"document"`
}

// Put stores doc via POST .../doc?increment_rev.
func (c *Client) Put(ctx context.Context, doc document.Document, incrementRev bool) (int, document.Document, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, document.Document{}, err
	}

	u := c.docsCollectionPath()
	if incrementRev {
		u += "?increment_rev=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, document.Document{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, document.Document{}, networkError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, document.Document{}, err
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, document.Document{}, err
	}
	if out.NumDocsPut > 0 {
		c.observeSeq(out.Document.Seq)
	}
	return out.NumDocsPut, out.Document, nil
}

// Delete tombstones id by fetching it (including any existing tombstone)
// and re-putting it with _deleted set — the wire surface has no dedicated
// delete call, mirroring how the core's own Delete is just a specially
// shaped Put.
func (c *Client) Delete(ctx context.Context, id string) error {
	doc, err := c.Get(ctx, id, true)
	if err != nil {
		return err
	}
	if doc == nil || doc.Deleted {
		return nil
	}
	doc.Deleted = true
	_, _, err = c.Put(ctx, *doc, true)
	return err
}

// docsSinceResponse is the {current_sequence_id, documents} wire shape.
type docsSinceResponse struct {
	CurrentSequenceID int64               `json:"current_sequence_id"`
	Documents         []document.Document `json:"documents"`
}

// GetDocsSince fetches one chunk via GET .../docs?start_sequence_id&chunk_size.
func (c *Client) GetDocsSince(ctx context.Context, cursor, n int64) (int64, []document.Document, error) {
	u := fmt.Sprintf("%s?start_sequence_id=%s&chunk_size=%s",
		c.docsPath(), strconv.FormatInt(cursor, 10), strconv.FormatInt(n, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, networkError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, nil, err
	}

	var out docsSinceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil, err
	}
	c.observeSeq(out.CurrentSequenceID)
	return out.CurrentSequenceID, out.Documents, nil
}

// ListDatastores calls GET /datastores, a convenience beyond what the
// Replicator itself needs.
func (c *Client) ListDatastores(ctx context.Context) ([]DatastoreInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datastores", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out []DatastoreInfo
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// DatastoreInfo mirrors api.DatastoreInfo without importing internal/api,
// which would create a dependency from the storage layer onto the
// transport layer it is itself transported over.
type DatastoreInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func networkError(err error) error {
	return &TransportError{Status: 0, Message: err.Error(), Retryable: true}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var wireErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &wireErr)
	msg := wireErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &TransportError{
		Status:    resp.StatusCode,
		Message:   msg,
		Retryable: resp.StatusCode >= 500,
	}
}

// IsRetryable reports whether err (if a *TransportError) indicates the
// caller may usefully retry.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
