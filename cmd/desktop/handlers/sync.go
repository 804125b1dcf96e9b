package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/services"
)

// Syncer is the part of the core used by SyncHandler.
type Syncer interface {
	SyncAll(ctx context.Context) (*models.SyncOperation, error)
	SyncOne(ctx context.Context, templateID string) (*models.SyncOperation, error)
	SyncStatistics(ctx context.Context) (*services.SyncStats, error)
	SyncHistory(ctx context.Context, limit int) ([]*models.SyncOperation, error)
	SetOnlineStatus(online bool)
}

// SyncHandler handles manual sync and sync reporting.
type SyncHandler struct {
	core Syncer
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(core Syncer) *SyncHandler {
	return &SyncHandler{core: core}
}

// SyncAll handles POST /api/sync. It blocks until the pass completes; a
// pass that is already running is joined.
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	op, err := h.core.SyncAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// SyncOne handles POST /api/sync/{id}.
func (h *SyncHandler) SyncOne(w http.ResponseWriter, r *http.Request) {
	op, err := h.core.SyncOne(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Stats handles GET /api/sync/stats.
func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.SyncStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// History handles GET /api/sync/history?limit=N.
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ops, err := h.core.SyncHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

type networkRequest struct {
	Online *bool `json:"online"`
}

// SetNetwork handles PUT /api/network with {"online": bool}, reported by the
// host shell when connectivity changes.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	h.core.SetOnlineStatus(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}
