package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/syncmcp/edge-agent/internal/cfgsync"
	"github.com/syncmcp/edge-agent/internal/collect"
	"github.com/syncmcp/edge-agent/internal/diag"
	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/syncmcp/edge-agent/internal/store"
	"github.com/syncmcp/edge-agent/internal/upload"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeRemote struct{ connected bool }

func (f *fakeRemote) IsConnected() bool { return f.connected }
func (f *fakeRemote) CurrentSummary() map[string]any {
	return map[string]any{"state": "CONNECTED"}
}

type fakeTenantReader struct {
	tenant model.Tenant
	err    error
}

func (f *fakeTenantReader) GetTenant(ctx context.Context) (model.Tenant, error) {
	return f.tenant, f.err
}

// fakeRepo satisfies RepoDeps (Pinger + TenantReader) for server-level tests.
type fakeRepo struct {
	fakePinger
	fakeTenantReader
}

type fakeCollectTrigger struct {
	result collect.CycleResult
	err    error
}

func (f *fakeCollectTrigger) ExecuteCycle(ctx context.Context) (collect.CycleResult, error) {
	return f.result, f.err
}
func (f *fakeCollectTrigger) IsRunning() bool { return false }

type fakeUploadTrigger struct {
	result upload.UploadResult
	err    error
}

func (f *fakeUploadTrigger) PerformUpload(ctx context.Context) (upload.UploadResult, error) {
	return f.result, f.err
}
func (f *fakeUploadTrigger) IsRunning() bool { return false }

type fakeSyncTrigger struct {
	result cfgsync.SyncResult
	err    error
}

func (f *fakeSyncTrigger) PerformSync(ctx context.Context) (cfgsync.SyncResult, error) {
	return f.result, f.err
}
func (f *fakeSyncTrigger) IsRunning() bool { return false }

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response body: %v (body=%s)", err, rr.Body.String())
	}
}

func TestHandleHealthz_OK(t *testing.T) {
	h := HandleHealthz(&fakePinger{}, &fakeRemote{connected: true})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["dbOk"] != true || body["remoteOk"] != true {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleHealthz_DBDownReturns503(t *testing.T) {
	h := HandleHealthz(&fakePinger{err: errors.New("db down")}, &fakeRemote{connected: false})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	tracker := diag.NewStatusTracker()
	tracker.SetCollect(diag.CycleSummary{Summary: "ok"})
	h := HandleStatus(tracker, &fakeRemote{connected: true})

	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]any
	decodeBody(t, rr, &body)
	if _, ok := body["collect"]; !ok {
		t.Fatal("expected a collect key in status response")
	}
	if _, ok := body["connectivity"]; !ok {
		t.Fatal("expected a connectivity key in status response")
	}
}

func TestHandleTenant_Found(t *testing.T) {
	h := HandleTenant(&fakeTenantReader{tenant: model.Tenant{ID: "t1", Name: "Acme"}})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/tenant", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var tenant model.Tenant
	decodeBody(t, rr, &tenant)
	if tenant.ID != "t1" {
		t.Fatalf("expected tenant t1, got %+v", tenant)
	}
}

func TestHandleTenant_NotFound(t *testing.T) {
	h := HandleTenant(&fakeTenantReader{err: store.ErrNotFound})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/tenant", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleErrors(t *testing.T) {
	ring := diag.NewRingBuffer(10)
	ring.Record(model.CollectionError{MeterID: "m1", Error: "timeout"})
	h := HandleErrors(ring)

	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/errors", nil))

	var body struct {
		Errors []model.CollectionError `json:"errors"`
	}
	decodeBody(t, rr, &body)
	if len(body.Errors) != 1 || body.Errors[0].MeterID != "m1" {
		t.Fatalf("unexpected errors body: %+v", body)
	}
}

func TestHandleCollect_Accepted(t *testing.T) {
	h := HandleCollect(&fakeCollectTrigger{result: collect.CycleResult{SuccessMeters: 3}})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/collect", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestHandleCollect_AlreadyRunning(t *testing.T) {
	h := HandleCollect(&fakeCollectTrigger{err: store.ErrCycleRunning})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/collect", nil))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestHandleUpload_DisconnectedReturns503(t *testing.T) {
	h := HandleUpload(&fakeUploadTrigger{}, &fakeRemote{connected: false})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/upload", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHandleUpload_Accepted(t *testing.T) {
	h := HandleUpload(&fakeUploadTrigger{result: upload.UploadResult{Uploaded: 5}}, &fakeRemote{connected: true})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/upload", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestHandleSync_AlreadyRunning(t *testing.T) {
	h := HandleSync(&fakeSyncTrigger{err: store.ErrCycleRunning})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestAuthMiddleware_RejectsMissingHeader(t *testing.T) {
	h := AuthMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/collect", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	called := false
	h := AuthMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/collect", nil)
	req.Header.Set("Authorization", "Bearer secret")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || !called {
		t.Fatalf("expected the request to pass through, got code=%d called=%v", rr.Code, called)
	}
}

func TestAuthMiddleware_RejectsWrongToken(t *testing.T) {
	h := AuthMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/collect", nil)
	req.Header.Set("Authorization", "Bearer wrong")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestNewServer_RoutesOpenGETsWithoutAuth(t *testing.T) {
	srv := NewServer(Deps{
		AdminToken:     "secret",
		MaxBodyBytes:   1 << 20,
		Repo:           &fakeRepo{},
		Connectivity:   &fakeRemote{connected: true},
		StatusTracker:  diag.NewStatusTracker(),
		ErrorRing:      diag.NewRingBuffer(10),
		CollectTrigger: &fakeCollectTrigger{},
		UploadTrigger:  &fakeUploadTrigger{},
		SyncTrigger:    &fakeSyncTrigger{},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected /status to be open without auth, got %d", rr.Code)
	}
}

func TestNewServer_GatesPostRoutesWhenAdminTokenSet(t *testing.T) {
	srv := NewServer(Deps{
		AdminToken:     "secret",
		MaxBodyBytes:   1 << 20,
		Repo:           &fakeRepo{},
		Connectivity:   &fakeRemote{connected: true},
		StatusTracker:  diag.NewStatusTracker(),
		ErrorRing:      diag.NewRingBuffer(10),
		CollectTrigger: &fakeCollectTrigger{},
		UploadTrigger:  &fakeUploadTrigger{},
		SyncTrigger:    &fakeSyncTrigger{},
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/collect", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected /collect to require auth when ADMIN_TOKEN is set, got %d", rr.Code)
	}
}
