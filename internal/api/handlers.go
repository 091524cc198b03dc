// Package api wires the HTTP surface in front of a Registry of
// datastores: list datastores, fetch/put a single document, and
// fetch/put a chunk of documents — the wire contract a remotestore.Client
// on another node talks to.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dfrankow/reldatasync/internal/datastore"
	"github.com/dfrankow/reldatasync/internal/document"
	"github.com/gin-gonic/gin"
)

const defaultChunkSize = 100

// Handler holds the Registry every route resolves (ds, type) pairs
// against.
type Handler struct {
	registry *Registry
}

// NewHandler creates a Handler over registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// Register mounts every route from the wire surface onto r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/datastores", h.ListDatastores)
	r.GET("/:ds/:type/doc/:id", h.GetDoc)
	r.POST("/:ds/:type/doc", h.PutDoc)
	r.GET("/:ds/:type/docs", h.GetDocsSince)
	r.POST("/:ds/:type/docs", h.PutDocs)
}

// ListDatastores handles GET /datastores.
func (h *Handler) ListDatastores(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// resolve looks up the (ds, type) Datastore, translating registry misses
// into the wire error taxonomy: unknown datastore is 404, unknown type is
// 403 (same bucket as "missing doc" per the spec's table).
func (h *Handler) resolve(c *gin.Context) (datastore.Datastore, bool) {
	ds, typ := c.Param("ds"), c.Param("type")
	store, err := h.registry.Get(ds, typ)
	if err != nil {
		if errors.Is(err, ErrUnknownDatastore) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return store, true
}

// GetDoc handles GET /{ds}/{type}/doc/{id}?include_deleted.
func (h *Handler) GetDoc(c *gin.Context) {
	store, ok := h.resolve(c)
	if !ok {
		return
	}

	includeDeleted := c.Query("include_deleted") == "true" || c.Query("include_deleted") == "1"
	doc, err := store.Get(c.Request.Context(), c.Param("id"), includeDeleted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if doc == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "no such document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// PutDoc handles POST /{ds}/{type}/doc?increment_rev.
func (h *Handler) PutDoc(c *gin.Context) {
	store, ok := h.resolve(c)
	if !ok {
		return
	}

	incrementRev := c.Query("increment_rev") == "true" || c.Query("increment_rev") == "1"

	var doc document.Document
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := doc.UnmarshalJSON(body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	numPut, stored, err := store.Put(c.Request.Context(), doc, incrementRev)
	if err != nil {
		if errors.Is(err, datastore.ErrInvalidDocument) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"num_docs_put": numPut, "document": stored})
}

// GetDocsSince handles GET /{ds}/{type}/docs?start_sequence_id&chunk_size.
func (h *Handler) GetDocsSince(c *gin.Context) {
	store, ok := h.resolve(c)
	if !ok {
		return
	}

	startSeq, err := parseInt64Query(c, "start_sequence_id", 0)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	chunkSize, err := parseInt64Query(c, "chunk_size", defaultChunkSize)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	currentSeq, docs, err := store.GetDocsSince(c.Request.Context(), startSeq, chunkSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []document.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"current_sequence_id": currentSeq, "documents": docs})
}

// PutDocs handles POST /{ds}/{type}/docs?increment_rev.
func (h *Handler) PutDocs(c *gin.Context) {
	store, ok := h.resolve(c)
	if !ok {
		return
	}

	incrementRev := c.Query("increment_rev") == "true" || c.Query("increment_rev") == "1"

	var raws []document.Document
	if err := c.ShouldBindJSON(&raws); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	numPut := 0
	stored := make([]document.Document, 0, len(raws))
	for _, doc := range raws {
		n, s, err := store.Put(c.Request.Context(), doc, incrementRev)
		if err != nil {
			if errors.Is(err, datastore.ErrInvalidDocument) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		numPut += n
		stored = append(stored, s)
	}

	c.JSON(http.StatusOK, gin.H{"num_docs_put": numPut, "documents": stored})
}

func parseInt64Query(c *gin.Context, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
