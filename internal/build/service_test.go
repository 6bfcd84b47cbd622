package build

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/logger"
)

type staticEnv map[string]string

func (e staticEnv) ResolveEnv(context.Context, string) (map[string]string, error) {
	return e, nil
}

type fakeActivator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActivator) Activate(_ context.Context, projectID, buildID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, buildID)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Deployment{ID: "d-" + buildID, ProjectID: projectID, BuildID: buildID, Status: domain.DeploymentActive}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ws.Event
}

func (p *recordingPublisher) Publish(event ws.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	err := store.CreateProject(context.Background(), &domain.Project{
		ID: "p1", Name: "site", RepoURL: "https://github.com/acme/site", BuildCommand: "bun run build",
		RuntimeKind: domain.RuntimeStatic, Port: 8001,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return store
}

func newWorker(t *testing.T, handler http.HandlerFunc) *WorkerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewWorkerClient(srv.URL, "secret", nil)
	if err != nil {
		t.Fatalf("worker client: %v", err)
	}
	return client
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: 5 * time.Millisecond, Timeout: time.Second}
}

func TestTriggerDispatchesJob(t *testing.T) {
	store := newStore(t)
	var got domain.BuildJob
	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/build" || r.Header.Get("X-Builder-Token") != "secret" {
			t.Errorf("unexpected request %s token=%q", r.URL.Path, r.Header.Get("X-Builder-Token"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})
	events := &recordingPublisher{}
	svc := New(store, staticEnv{"A": "1"}, worker, &fakeActivator{}, events, fastPolicy(), logger.Discard())

	build, err := svc.Trigger(context.Background(), "p1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if build.Status != domain.BuildPending {
		t.Fatalf("expected pending, got %s", build.Status)
	}
	if got.BuildID != build.ID || got.RuntimeKind != domain.RuntimeStatic || got.EnvVars["A"] != "1" {
		t.Fatalf("unexpected job %+v", got)
	}
	if len(events.events) != 1 || events.events[0].Status != "pending" {
		t.Fatalf("expected pending notification, got %+v", events.events)
	}
}

func TestTriggerRetriesThenFails(t *testing.T) {
	store := newStore(t)
	var attempts int32
	var stamps []time.Time
	var mu sync.Mutex
	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
	})
	policy := retry.Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, Timeout: time.Second}
	svc := New(store, staticEnv{}, worker, &fakeActivator{}, nil, policy, logger.Discard())

	build, err := svc.Trigger(context.Background(), "p1")
	if !errors.Is(err, ErrTriggerFailed) {
		t.Fatalf("expected ErrTriggerFailed, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if second := stamps[2].Sub(stamps[1]); second < 40*time.Millisecond {
		t.Fatalf("expected doubled backoff before third attempt, got %v", second)
	}

	stored, _ := store.GetBuildByID(context.Background(), build.ID)
	if stored.Status != domain.BuildFailed || stored.CompletedAt == nil {
		t.Fatalf("expected failed build with completion time, got %+v", stored)
	}
	if !strings.Contains(stored.Logs, "Build trigger failed") || !strings.Contains(stored.Logs, "busy") {
		t.Fatalf("expected trigger error in log, got %q", stored.Logs)
	}
}

func TestTriggerClientErrorFailsFast(t *testing.T) {
	store := newStore(t)
	var attempts int32
	worker := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, `{"error":"source_url required"}`, http.StatusBadRequest)
	})
	svc := New(store, staticEnv{}, worker, &fakeActivator{}, nil, fastPolicy(), logger.Discard())

	if _, err := svc.Trigger(context.Background(), "p1"); !errors.Is(err, ErrTriggerFailed) {
		t.Fatalf("expected ErrTriggerFailed, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func seedPending(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	if err := store.CreateBuild(context.Background(), &domain.Build{ID: id, ProjectID: "p1", Status: domain.BuildPending}); err != nil {
		t.Fatalf("seed build: %v", err)
	}
}

func TestHandleStatusEnforcesLifecycle(t *testing.T) {
	store := newStore(t)
	activator := &fakeActivator{}
	svc := New(store, staticEnv{}, nil, activator, nil, fastPolicy(), logger.Discard())
	ctx := context.Background()
	seedPending(t, store, "b1")

	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildSuccess}); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected pending->success to be rejected, got %v", err)
	}
	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildBuilding}); err != nil {
		t.Fatalf("building: %v", err)
	}
	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildBuilding}); err != nil {
		t.Fatalf("repeated building should be a no-op: %v", err)
	}
	build, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildSuccess, ArtifactID: "b1"})
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if build.ArtifactID != "b1" || build.CompletedAt == nil {
		t.Fatalf("unexpected build %+v", build)
	}
	if len(activator.calls) != 1 || activator.calls[0] != "b1" {
		t.Fatalf("expected activation of b1, got %v", activator.calls)
	}
	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildFailed}); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected terminal build to stay immutable, got %v", err)
	}
	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: "done"}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestActivationFailureKeepsBuildSuccessful(t *testing.T) {
	store := newStore(t)
	activator := &fakeActivator{err: errors.New("engine unhealthy")}
	events := &recordingPublisher{}
	svc := New(store, staticEnv{}, nil, activator, events, fastPolicy(), logger.Discard())
	ctx := context.Background()
	seedPending(t, store, "b1")

	if _, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildBuilding}); err != nil {
		t.Fatalf("building: %v", err)
	}
	build, err := svc.HandleStatus(ctx, "b1", StatusUpdate{Status: domain.BuildSuccess})
	if err != nil {
		t.Fatalf("success callback must not fail on activation error: %v", err)
	}
	if build.Status != domain.BuildSuccess {
		t.Fatalf("expected success, got %s", build.Status)
	}
	stored, _ := store.GetBuildByID(ctx, "b1")
	if !strings.Contains(stored.Logs, "[deployment] ERROR") {
		t.Fatalf("expected marked activation error in log, got %q", stored.Logs)
	}

	activator.err = nil
	dep, err := svc.Activate(ctx, "b1")
	if err != nil || dep.BuildID != "b1" {
		t.Fatalf("manual activation: %+v %v", dep, err)
	}
}

func TestActivateRequiresSuccess(t *testing.T) {
	store := newStore(t)
	svc := New(store, staticEnv{}, nil, &fakeActivator{}, nil, fastPolicy(), logger.Discard())
	seedPending(t, store, "b1")
	if _, err := svc.Activate(context.Background(), "b1"); !errors.Is(err, ErrNotActivatable) {
		t.Fatalf("expected ErrNotActivatable, got %v", err)
	}
}

func TestAppendLogsBroadcasts(t *testing.T) {
	store := newStore(t)
	events := &recordingPublisher{}
	svc := New(store, staticEnv{}, nil, nil, events, fastPolicy(), logger.Discard())
	seedPending(t, store, "b1")

	if err := svc.AppendLogs(context.Background(), "b1", "Cloning repository...\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	stored, _ := store.GetBuildByID(context.Background(), "b1")
	if stored.Logs != "Cloning repository...\n" {
		t.Fatalf("unexpected logs %q", stored.Logs)
	}
	if len(events.events) != 1 || events.events[0].Type != ws.EventBuildLog {
		t.Fatalf("expected one log event, got %+v", events.events)
	}
	if err := svc.AppendLogs(context.Background(), "missing", "x"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
