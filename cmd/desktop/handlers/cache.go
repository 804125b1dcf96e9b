package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kimhsiao/scanvault/backend/internal/cache"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// Library is the part of the core used by CacheHandler.
type Library interface {
	CacheStatistics(ctx context.Context) (*cache.Stats, error)
	Templates(ctx context.Context) ([]*models.Template, error)
	Asset(ctx context.Context, templateID string) ([]byte, *models.CacheEntry, error)
	Thumbnail(ctx context.Context, templateID string) ([]byte, *models.CacheEntry, error)
	Pin(ctx context.Context, templateID string, pinned bool) error
}

// CacheHandler serves cached templates and cache statistics.
type CacheHandler struct {
	core Library
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(core Library) *CacheHandler {
	return &CacheHandler{core: core}
}

// Stats handles GET /api/cache.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.CacheStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListTemplates handles GET /api/templates.
func (h *CacheHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.core.Templates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []*models.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

// Content handles GET /api/templates/{id}/content and streams the cached
// asset, never the network.
func (h *CacheHandler) Content(w http.ResponseWriter, r *http.Request) {
	data, entry, err := h.core.Asset(r.Context(), r.PathValue("id"))
	writeCached(w, data, entry, err)
}

// Thumbnail handles GET /api/templates/{id}/thumbnail.
func (h *CacheHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	data, entry, err := h.core.Thumbnail(r.Context(), r.PathValue("id"))
	writeCached(w, data, entry, err)
}

func writeCached(w http.ResponseWriter, data []byte, entry *models.CacheEntry, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if entry.ContentHash != "" {
		w.Header().Set("ETag", strconv.Quote(entry.ContentHash))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// Pin handles PUT /api/templates/{id}/pin.
func (h *CacheHandler) Pin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.core.Pin(r.Context(), r.PathValue("id"), req.Pinned); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
