package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/splax/launchpad/internal/artifact"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/proxy"
	"github.com/splax/launchpad/internal/supervisor"
	"github.com/splax/launchpad/pkg/logger"
)

type fakeRunner struct {
	mu          sync.Mutex
	activateErr error
	stopErr     error
	removeErr   error
	activated   []supervisor.ActivateRequest
	stopped     []int
	removed     []string
}

func (f *fakeRunner) Activate(_ context.Context, req supervisor.ActivateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, req)
	return f.activateErr
}

func (f *fakeRunner) Stop(_ context.Context, _ string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, port)
	return f.stopErr
}

func (f *fakeRunner) RemoveProject(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, projectID)
	return f.removeErr
}

type fakeRoutes struct {
	createErr error
	removeErr error
	created   map[string]int
	removed   []string
}

func (f *fakeRoutes) CreateConfig(_ context.Context, sub string, port int) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.created == nil {
		f.created = make(map[string]int)
	}
	f.created[sub] = port
	return nil
}

func (f *fakeRoutes) RemoveConfig(_ context.Context, sub string) error {
	f.removed = append(f.removed, sub)
	return f.removeErr
}

type fakeArtifacts struct {
	saved     map[string][]byte
	deleted   []string
	deleteErr error
}

func (f *fakeArtifacts) Save(_ context.Context, buildID string, r io.Reader) (int64, error) {
	if !artifact.ValidBuildID(buildID) {
		return 0, artifact.ErrInvalidBuildID
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[buildID] = data
	return int64(len(data)), nil
}

func (f *fakeArtifacts) Delete(buildID string) error {
	f.deleted = append(f.deleted, buildID)
	return f.deleteErr
}

func newTestRouter(t *testing.T, runner *fakeRunner, routes Routes, artifacts *fakeArtifacts) (*Router, *Service) {
	t.Helper()
	svc := NewService(runner, routes, artifacts, t.TempDir(), logger.Discard())
	return NewRouter(logger.Discard(), svc), svc
}

func postJSON(t *testing.T, h http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestActivateRunsSupervisorThenProxy(t *testing.T) {
	runner := &fakeRunner{}
	routes := &fakeRoutes{}
	router, _ := newTestRouter(t, runner, routes, &fakeArtifacts{})

	rec := postJSON(t, router, "/activate", ActivateRequest{
		ProjectID:   "p1",
		BuildID:     "b1",
		Port:        8001,
		RuntimeKind: domain.RuntimeServer,
		Subdomain:   "shop",
		EnvVars:     map[string]string{"API_KEY": "x"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(runner.activated) != 1 || runner.activated[0].EnvVars["API_KEY"] != "x" {
		t.Fatalf("unexpected activation calls %+v", runner.activated)
	}
	if routes.created["shop"] != 8001 {
		t.Fatalf("expected proxy route for shop, got %+v", routes.created)
	}
}

func TestActivateProxyFailureIsActivationFailure(t *testing.T) {
	runner := &fakeRunner{}
	routes := &fakeRoutes{createErr: fmt.Errorf("%w: api is reserved", proxy.ErrInvalidSubdomain)}
	router, _ := newTestRouter(t, runner, routes, &fakeArtifacts{})

	rec := postJSON(t, router, "/activate", ActivateRequest{
		ProjectID: "p1", BuildID: "b1", Port: 8001, RuntimeKind: domain.RuntimeStatic, Subdomain: "api",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestActivateMissingArtifactIs404(t *testing.T) {
	runner := &fakeRunner{activateErr: fmt.Errorf("%w: b9", supervisor.ErrArtifactMissing)}
	router, _ := newTestRouter(t, runner, nil, &fakeArtifacts{})

	rec := postJSON(t, router, "/activate", ActivateRequest{
		ProjectID: "p1", BuildID: "b9", Port: 8001, RuntimeKind: domain.RuntimeServer,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestActivateRejectsBadRequest(t *testing.T) {
	runner := &fakeRunner{}
	router, _ := newTestRouter(t, runner, nil, &fakeArtifacts{})

	rec := postJSON(t, router, "/activate", ActivateRequest{ProjectID: "p1", BuildID: "b1", Port: 70000, RuntimeKind: domain.RuntimeServer})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(runner.activated) != 0 {
		t.Fatalf("supervisor must not run for invalid request")
	}
}

func TestActivateUnhealthyIsRetryable(t *testing.T) {
	runner := &fakeRunner{activateErr: supervisor.ErrUnhealthy}
	router, _ := newTestRouter(t, runner, nil, &fakeArtifacts{})

	rec := postJSON(t, router, "/activate", ActivateRequest{ProjectID: "p1", BuildID: "b1", Port: 8001, RuntimeKind: domain.RuntimeServer})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestUploadStoresArtifact(t *testing.T) {
	artifacts := &fakeArtifacts{}
	router, _ := newTestRouter(t, &fakeRunner{}, nil, artifacts)

	req := httptest.NewRequest(http.MethodPost, "/artifacts/upload?buildId=b1", strings.NewReader("archive-bytes"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(artifacts.saved["b1"]) != "archive-bytes" {
		t.Fatalf("unexpected stored bytes %q", artifacts.saved["b1"])
	}

	req = httptest.NewRequest(http.MethodPost, "/artifacts/upload?buildId=../x", strings.NewReader("x"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", rec.Code)
	}
}

func TestDeleteProjectIsBestEffort(t *testing.T) {
	runner := &fakeRunner{stopErr: errors.New("lsof missing")}
	routes := &fakeRoutes{removeErr: errors.New("nginx down")}
	artifacts := &fakeArtifacts{}
	router, _ := newTestRouter(t, runner, routes, artifacts)

	rec := postJSON(t, router, "/projects/p1/delete", DeleteRequest{Port: 8001, Subdomain: "shop", BuildIDs: []string{"b1", "b2"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Success  bool     `json:"success"`
		Warnings []string `json:"warnings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || len(resp.Warnings) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(artifacts.deleted) != 2 || len(runner.removed) != 1 || len(routes.removed) != 1 {
		t.Fatalf("expected every cleanup step to run: artifacts=%v removed=%v routes=%v", artifacts.deleted, runner.removed, routes.removed)
	}
}

func TestDeleteProjectWithoutBody(t *testing.T) {
	runner := &fakeRunner{}
	router, _ := newTestRouter(t, runner, nil, &fakeArtifacts{})

	req := httptest.NewRequest(http.MethodPost, "/projects/p1/delete", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(runner.stopped) != 0 {
		t.Fatalf("no port given, nothing should be stopped")
	}
}

func TestPortCheck(t *testing.T) {
	router, svc := newTestRouter(t, &fakeRunner{}, nil, &fakeArtifacts{})
	svc.available = func(port int) bool { return port == 8001 }

	rec := postJSON(t, router, "/ports/check", map[string]int{"port": 8001})
	var resp struct {
		Available bool `json:"available"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || !resp.Available {
		t.Fatalf("expected 8001 available, got %d %+v", rec.Code, resp)
	}

	rec = postJSON(t, router, "/ports/check", map[string]int{"port": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for port 0, got %d", rec.Code)
	}
}

func TestStopRequiresPort(t *testing.T) {
	runner := &fakeRunner{}
	router, _ := newTestRouter(t, runner, nil, &fakeArtifacts{})

	rec := postJSON(t, router, "/stop", StopRequest{ProjectID: "p1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = postJSON(t, router, "/stop", StopRequest{ProjectID: "p1", Port: 8001})
	if rec.Code != http.StatusOK || len(runner.stopped) != 1 {
		t.Fatalf("expected stop to run, got %d %v", rec.Code, runner.stopped)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, nil, &fakeArtifacts{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
