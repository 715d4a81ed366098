// Package handlers provides REST API handlers for the offline sync session.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// SyncService is the part of offline.Session the handlers use.
type SyncService interface {
	Enqueue(ctx context.Context, m *models.Mutation) error
	Sync(ctx context.Context) (*syncpkg.PassResult, error)
	Resolve(ctx context.Context, conflictID string, res conflict.Resolution) (*conflict.ResolveResult, error)
	ViewBoth(conflictID string, viewing bool) (*models.SyncConflict, error)
	Retry(ctx context.Context, mutationID string) (*models.Mutation, error)
	Discard(ctx context.Context, mutationID string) error
	ReportConnectivity(online bool)
	Status() syncpkg.SyncStatus
	Conflicts() []*models.SyncConflict
	Mutations(ctx context.Context) ([]*models.Mutation, error)
}

// WSSyncBroadcaster interface for sync WebSocket events.
type WSSyncBroadcaster interface {
	BroadcastSyncStarted()
	BroadcastSyncCompleted(result *syncpkg.PassResult)
	BroadcastSyncResolved(result *conflict.ResolveResult)
}

// SyncHandler handles sync operations.
type SyncHandler struct {
	service SyncService
	wsHub   WSSyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(service SyncService) *SyncHandler {
	return &SyncHandler{service: service}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// RegisterRoutes registers all sync routes under /api/sync.
func (h *SyncHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/sync").Subrouter()

	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/now", h.TriggerSync).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", h.ReportConnectivity).Methods(http.MethodPost)

	api.HandleFunc("/mutations", h.ListMutations).Methods(http.MethodGet)
	api.HandleFunc("/mutations", h.EnqueueMutation).Methods(http.MethodPost)
	api.HandleFunc("/mutations/{id}/retry", h.RetryMutation).Methods(http.MethodPost)
	api.HandleFunc("/mutations/{id}", h.DiscardMutation).Methods(http.MethodDelete)

	api.HandleFunc("/conflicts", h.ListConflicts).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/resolve", h.ResolveConflict).Methods(http.MethodPost)
	api.HandleFunc("/conflicts/{id}/view", h.ViewConflict).Methods(http.MethodPost)
}

// =====================================================
// Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Status())
}

// TriggerSync handles POST /sync/now
// Runs a pass, or joins the running one, and returns its summary.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncStarted()
	}

	result, err := h.service.Sync(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	if h.wsHub != nil {
		h.wsHub.BroadcastSyncCompleted(result)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"outcome": result.Outcome(),
		"result":  result,
	})
}

// ReportConnectivity handles POST /sync/connectivity
// The shell reports raw network changes; the session debounces them.
func (h *SyncHandler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	h.service.ReportConnectivity(*request.Online)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"reported": *request.Online})
}

// =====================================================
// Mutation Endpoints
// =====================================================

// ListMutations handles GET /sync/mutations
func (h *SyncHandler) ListMutations(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Mutations(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// EnqueueMutation handles POST /sync/mutations
func (h *SyncHandler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EntityType  string           `json:"entity_type"`
		Operation   models.Operation `json:"operation"`
		TargetID    string           `json:"target_id"`
		EntityLabel string           `json:"entity_label"`
		Payload     models.Payload   `json:"payload"`
		BaseVersion int64            `json:"base_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	m := &models.Mutation{
		EntityType:  request.EntityType,
		Operation:   request.Operation,
		TargetID:    request.TargetID,
		EntityLabel: request.EntityLabel,
		Payload:     request.Payload,
		BaseVersion: request.BaseVersion,
	}
	if err := h.service.Enqueue(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// RetryMutation handles POST /sync/mutations/{id}/retry
func (h *SyncHandler) RetryMutation(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// DiscardMutation handles DELETE /sync/mutations/{id}
// Only mutations held by a terminal failure can be discarded.
func (h *SyncHandler) DiscardMutation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Discard(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Conflict Endpoints
// =====================================================

// ListConflicts handles GET /sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	items := h.service.Conflicts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// ResolveConflict handles POST /sync/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	res, err := conflict.ParseResolution(request.Resolution)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := h.service.Resolve(r.Context(), mux.Vars(r)["id"], res)
	if err != nil {
		respondError(w, err)
		return
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncResolved(result)
	}
	respondJSON(w, http.StatusOK, result)
}

// ViewConflict handles POST /sync/conflicts/{id}/view
// Toggles the side-by-side flag; the conflict stays pending.
func (h *SyncHandler) ViewConflict(w http.ResponseWriter, r *http.Request) {
	request := struct {
		Viewing bool `json:"viewing"`
	}{Viewing: true}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
			return
		}
	}

	c, err := h.service.ViewBoth(mux.Vars(r)["id"], request.Viewing)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// =====================================================
// Response Helpers
// =====================================================

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// respondError writes {"error":{"code","message"}} with a status derived
// from the error code.
func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Sync request failed", string(code), err)
	}
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
		},
	})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrInvalidResolution:
		return http.StatusBadRequest
	case apperrors.ErrConflictNotFound, apperrors.ErrMutationNotFound:
		return http.StatusNotFound
	case apperrors.ErrConflictOutOfOrder, apperrors.ErrMutationNotFailed:
		return http.StatusConflict
	case apperrors.ErrSyncOffline, apperrors.ErrSessionClosed, apperrors.ErrQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
