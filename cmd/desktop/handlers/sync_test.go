// Package handlers tests for sync REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/offline"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// versionedBackend accepts a write only when its base version is current.
type versionedBackend struct {
	mu       sync.Mutex
	versions map[string]int64
}

func (b *versionedBackend) execute(_ context.Context, m *models.Mutation) (syncpkg.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := m.EntityKey()
	if v := b.versions[key]; v > m.BaseVersion {
		return syncpkg.Result{Conflict: true, ServerVersion: v, ServerData: models.Payload{"name": "server"}}, nil
	}
	if m.Payload["name"] == "" {
		return syncpkg.Result{}, apperrors.Terminal("name is required", nil)
	}
	b.versions[key]++
	return syncpkg.Result{Applied: true, ServerVersion: b.versions[key]}, nil
}

// recordingHub captures broadcasts.
type recordingHub struct {
	started   int
	completed []*syncpkg.PassResult
	resolved  []*conflict.ResolveResult
}

func (h *recordingHub) BroadcastSyncStarted() { h.started++ }
func (h *recordingHub) BroadcastSyncCompleted(r *syncpkg.PassResult) {
	h.completed = append(h.completed, r)
}
func (h *recordingHub) BroadcastSyncResolved(r *conflict.ResolveResult) {
	h.resolved = append(h.resolved, r)
}

// setupTestRouter opens a session over an in-memory queue and mounts the handlers.
func setupTestRouter(t *testing.T, versions map[string]int64) (*mux.Router, *offline.Session, *recordingHub) {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.Enabled = false
	cfg.Retry.MaxAttempts = 1

	backend := &versionedBackend{versions: versions}
	session, err := offline.Open(context.Background(), offline.Options{
		Config:  cfg,
		Store:   queue.NewMemoryStore(0),
		Execute: backend.execute,
	})
	if err != nil {
		t.Fatalf("offline.Open() error = %v", err)
	}
	t.Cleanup(func() { session.Close(context.Background()) })

	hub := &recordingHub{}
	handler := NewSyncHandler(session)
	handler.SetWebSocketHub(hub)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, session, hub
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, w, &resp)
	return resp.Error.Code
}

func TestSyncHandler_EnqueueAndList(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]int64{})

	w := do(t, router, http.MethodPost, "/api/sync/mutations", map[string]interface{}{
		"entity_type": "category",
		"operation":   "update",
		"target_id":   "tops",
		"payload":     map[string]interface{}{"name": "Tops"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", w.Code, w.Body.String())
	}
	var created models.Mutation
	decode(t, w, &created)
	if created.ID == "" || created.Seq == 0 {
		t.Errorf("created = %+v, want id and seq assigned", created)
	}

	w = do(t, router, http.MethodGet, "/api/sync/mutations", nil)
	var list struct {
		Items []*models.Mutation `json:"items"`
		Total int                `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || list.Items[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	w = do(t, router, http.MethodGet, "/api/sync/status", nil)
	var status syncpkg.SyncStatus
	decode(t, w, &status)
	if status.QueueLength != 1 || status.LastQueuedAt == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestSyncHandler_EnqueueInvalid(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]int64{})

	w := do(t, router, http.MethodPost, "/api/sync/mutations", map[string]interface{}{
		"entity_type": "category",
		"operation":   "update",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != string(apperrors.ErrInvalid) {
		t.Errorf("code = %s", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync/mutations", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestSyncHandler_TriggerSync(t *testing.T) {
	router, session, hub := setupTestRouter(t, map[string]int64{})
	if err := session.Enqueue(context.Background(), &models.Mutation{
		EntityType: "category", Operation: models.OpUpdate, TargetID: "tops", Payload: models.Payload{"name": "Tops"},
	}); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, http.MethodPost, "/api/sync/now", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Outcome string             `json:"outcome"`
		Result  syncpkg.PassResult `json:"result"`
	}
	decode(t, w, &resp)
	if resp.Outcome != "clean" || resp.Result.Applied != 1 {
		t.Errorf("response = %+v", resp)
	}
	if hub.started != 1 || len(hub.completed) != 1 {
		t.Errorf("broadcasts started=%d completed=%d, want 1 and 1", hub.started, len(hub.completed))
	}
}

func TestSyncHandler_TriggerSyncOffline(t *testing.T) {
	router, _, hub := setupTestRouter(t, map[string]int64{})

	w := do(t, router, http.MethodPost, "/api/sync/connectivity", map[string]interface{}{"online": false})
	if w.Code != http.StatusAccepted {
		t.Fatalf("connectivity status = %d", w.Code)
	}

	// Raw reports are debounced for a second before they take effect.
	deadline := time.Now().Add(3 * time.Second)
	for {
		w = do(t, router, http.MethodPost, "/api/sync/now", nil)
		if w.Code == http.StatusServiceUnavailable || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if code := errorCode(t, w); code != string(apperrors.ErrSyncOffline) {
		t.Errorf("code = %s", code)
	}
	if hub.started == len(hub.completed) {
		t.Error("a refused sync must not broadcast completion")
	}
}

func TestSyncHandler_ReportConnectivityRequiresFlag(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]int64{})

	w := do(t, router, http.MethodPost, "/api/sync/connectivity", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSyncHandler_ConflictLifecycle(t *testing.T) {
	router, session, hub := setupTestRouter(t, map[string]int64{"category/tops": 2})
	ctx := context.Background()
	if err := session.Enqueue(ctx, &models.Mutation{
		EntityType: "category", Operation: models.OpUpdate, TargetID: "tops",
		Payload: models.Payload{"name": "Tops"}, BaseVersion: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, http.MethodGet, "/api/sync/conflicts", nil)
	var list struct {
		Items []*models.SyncConflict `json:"items"`
		Total int                    `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 {
		t.Fatalf("conflicts = %d, want 1", list.Total)
	}
	id := list.Items[0].ID

	w = do(t, router, http.MethodPost, "/api/sync/conflicts/"+id+"/view", map[string]interface{}{"viewing": true})
	var viewed models.SyncConflict
	decode(t, w, &viewed)
	if w.Code != http.StatusOK || !viewed.Viewing {
		t.Errorf("view status = %d, viewing = %v", w.Code, viewed.Viewing)
	}

	w = do(t, router, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"resolution": "view_both"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("view_both as resolution status = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"resolution": "use_server"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", w.Code, w.Body.String())
	}
	var resolved conflict.ResolveResult
	decode(t, w, &resolved)
	if resolved.Resolution != "use_server" || resolved.ServerData["name"] != "server" {
		t.Errorf("resolved = %+v", resolved)
	}
	if len(hub.resolved) != 1 {
		t.Errorf("resolved broadcasts = %d, want 1", len(hub.resolved))
	}

	w = do(t, router, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"resolution": "use_server"})
	if w.Code != http.StatusNotFound {
		t.Errorf("second resolve status = %d, want 404", w.Code)
	}
	if session.Status().QueueLength != 0 {
		t.Errorf("queue length = %d, want 0", session.Status().QueueLength)
	}
}

func TestSyncHandler_RetryAndDiscard(t *testing.T) {
	router, session, _ := setupTestRouter(t, map[string]int64{})
	ctx := context.Background()
	bad := &models.Mutation{EntityType: "category", Operation: models.OpUpdate, TargetID: "tops", Payload: models.Payload{"name": ""}}
	if err := session.Enqueue(ctx, bad); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, http.MethodPost, "/api/sync/mutations/"+bad.ID+"/retry", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("retry before failure status = %d, want 409", w.Code)
	}

	if _, err := session.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if session.Status().FailedMutations != 1 {
		t.Fatalf("failed = %d, want 1", session.Status().FailedMutations)
	}

	w = do(t, router, http.MethodDelete, "/api/sync/mutations/"+bad.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("discard status = %d, body = %s", w.Code, w.Body.String())
	}
	if session.Status().QueueLength != 0 || session.Status().FailedMutations != 0 {
		t.Errorf("status after discard = %+v", session.Status())
	}

	w = do(t, router, http.MethodDelete, "/api/sync/mutations/"+bad.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second discard status = %d, want 404", w.Code)
	}
}

func TestSyncHandler_MethodNotAllowed(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]int64{})

	w := do(t, router, http.MethodDelete, "/api/sync/status", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[apperrors.ErrorCode]int{
		apperrors.ErrInvalid:            http.StatusBadRequest,
		apperrors.ErrInvalidResolution:  http.StatusBadRequest,
		apperrors.ErrConflictNotFound:   http.StatusNotFound,
		apperrors.ErrConflictOutOfOrder: http.StatusConflict,
		apperrors.ErrSyncOffline:        http.StatusServiceUnavailable,
		apperrors.ErrQueueUnavailable:   http.StatusServiceUnavailable,
		apperrors.ErrDatabase:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
