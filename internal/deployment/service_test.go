package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/engine"
	"github.com/splax/launchpad/internal/engineclient"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/logger"
)

type fakeEngine struct {
	mu         sync.Mutex
	activate   []engine.ActivateRequest
	activateFn func(engine.ActivateRequest) error
	stops      []engine.StopRequest
	stopErr    error
	deletes    []engine.DeleteRequest
	deleteErr  error
}

func (f *fakeEngine) Activate(_ context.Context, req engine.ActivateRequest) error {
	f.mu.Lock()
	f.activate = append(f.activate, req)
	fn := f.activateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, req engine.StopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	return f.stopErr
}

func (f *fakeEngine) DeleteProject(_ context.Context, _ string, req engine.DeleteRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return nil, f.deleteErr
}

type staticEnv map[string]string

func (e staticEnv) ResolveEnv(context.Context, string) (map[string]string, error) {
	return e, nil
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

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	engine *fakeEngine
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	eng := &fakeEngine{}
	events := &recordingPublisher{}
	opts := Options{
		Activate: retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
		Persist:  retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
	}
	svc := New(store, staticEnv{"NODE_ENV": "production"}, eng, nil, events, opts, logger.Discard())
	return &fixture{svc: svc, store: store, engine: eng, events: events}
}

func (f *fixture) seedProject(t *testing.T, id string, port int) {
	t.Helper()
	err := f.store.CreateProject(context.Background(), &domain.Project{
		ID: id, Name: id, RepoURL: "https://example.com/r", BuildCommand: "make",
		RuntimeKind: domain.RuntimeServer, Port: port, Subdomain: id,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func (f *fixture) seedSuccessfulBuild(t *testing.T, projectID, buildID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateBuild(ctx, &domain.Build{ID: buildID, ProjectID: projectID, Status: domain.BuildPending}); err != nil {
		t.Fatalf("seed build: %v", err)
	}
	for _, status := range []domain.BuildStatus{domain.BuildBuilding, domain.BuildSuccess} {
		if _, err := f.store.TransitionBuild(ctx, buildID, status, buildID); err != nil {
			t.Fatalf("transition %s: %v", status, err)
		}
	}
}

func TestActivateHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 8001)
	f.seedSuccessfulBuild(t, "p1", "b1")

	dep, err := f.svc.Activate(context.Background(), "p1", "b1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if dep.Status != domain.DeploymentActive || dep.ActivatedAt == nil {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	if len(f.engine.activate) != 1 {
		t.Fatalf("expected one engine call, got %d", len(f.engine.activate))
	}
	req := f.engine.activate[0]
	if req.Port != 8001 || req.Subdomain != "p1" || req.EnvVars["NODE_ENV"] != "production" {
		t.Fatalf("unexpected activate request %+v", req)
	}

	active, err := f.svc.Active(context.Background(), "p1")
	if err != nil || active.BuildID != "b1" {
		t.Fatalf("expected b1 active, got %+v %v", active, err)
	}
	got := f.events.statuses()
	if len(got) != 2 || got[0] != "activating" || got[1] != "active" {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestActivateReusesDeploymentForSameBuild(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 8001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	ctx := context.Background()

	first, err := f.svc.Activate(ctx, "p1", "b1")
	if err != nil {
		t.Fatalf("first activate: %v", err)
	}
	second, err := f.svc.Activate(ctx, "p1", "b1")
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected reused deployment, got %s and %s", first.ID, second.ID)
	}
	deps, _ := f.store.ListDeploymentsByProject(ctx, "p1", 0)
	if len(deps) != 1 {
		t.Fatalf("expected one deployment record, got %d", len(deps))
	}
}

func TestActivateSwapsActiveDeployment(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	f.seedSuccessfulBuild(t, "p1", "b2")
	ctx := context.Background()

	first, err := f.svc.Activate(ctx, "p1", "b1")
	if err != nil {
		t.Fatalf("activate b1: %v", err)
	}
	if _, err := f.svc.Activate(ctx, "p1", "b2"); err != nil {
		t.Fatalf("activate b2: %v", err)
	}

	old, _ := f.store.GetDeploymentByID(ctx, first.ID)
	if old.Status != domain.DeploymentInactive {
		t.Fatalf("expected b1 demoted, got %s", old.Status)
	}
	deps, _ := f.store.ListDeploymentsByProject(ctx, "p1", 0)
	active := 0
	for _, d := range deps {
		if d.Status == domain.DeploymentActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active deployment, got %d", active)
	}
}

func TestActivateFailureKeepsPreviousActive(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	f.seedSuccessfulBuild(t, "p1", "b2")
	ctx := context.Background()

	if _, err := f.svc.Activate(ctx, "p1", "b1"); err != nil {
		t.Fatalf("activate b1: %v", err)
	}
	f.engine.activateFn = func(engine.ActivateRequest) error { return errors.New("unhealthy") }

	dep, err := f.svc.Activate(ctx, "p1", "b2")
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected activation failure, got %v", err)
	}
	if dep.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed deployment, got %s", dep.Status)
	}
	if len(f.engine.activate) != 3 {
		t.Fatalf("expected b1 call plus two b2 attempts, got %d", len(f.engine.activate))
	}
	active, err := f.svc.Active(ctx, "p1")
	if err != nil || active.BuildID != "b1" {
		t.Fatalf("expected b1 to stay active, got %+v %v", active, err)
	}
}

func TestActivateClientErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	f.engine.activateFn = func(engine.ActivateRequest) error {
		return &engineclient.StatusError{Code: 422, Message: "invalid subdomain"}
	}

	if _, err := f.svc.Activate(context.Background(), "p1", "b1"); !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected activation failure, got %v", err)
	}
	if len(f.engine.activate) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(f.engine.activate))
	}
}

func TestActivateRejectsUnfinishedBuild(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	if err := f.store.CreateBuild(context.Background(), &domain.Build{ID: "b1", ProjectID: "p1", Status: domain.BuildPending}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := f.svc.Activate(context.Background(), "p1", "b1"); !errors.Is(err, ErrBuildNotReady) {
		t.Fatalf("expected ErrBuildNotReady, got %v", err)
	}
	if len(f.engine.activate) != 0 {
		t.Fatalf("engine must not be called")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	ctx := context.Background()

	if _, err := f.svc.Stop(ctx, "p1"); !errors.Is(err, ErrNoActiveDeployment) {
		t.Fatalf("expected ErrNoActiveDeployment, got %v", err)
	}
	if _, err := f.svc.Activate(ctx, "p1", "b1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	dep, err := f.svc.Stop(ctx, "p1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dep.Status != domain.DeploymentInactive {
		t.Fatalf("expected inactive, got %s", dep.Status)
	}
	if len(f.engine.stops) != 1 || f.engine.stops[0].Port != 9001 || f.engine.stops[0].BuildID != "b1" {
		t.Fatalf("unexpected stop calls %+v", f.engine.stops)
	}
}

func TestStopEngineFailureKeepsActive(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	ctx := context.Background()
	if _, err := f.svc.Activate(ctx, "p1", "b1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.engine.stopErr = errors.New("engine unreachable")
	if _, err := f.svc.Stop(ctx, "p1"); err == nil {
		t.Fatalf("expected stop error")
	}
	if _, err := f.svc.Active(ctx, "p1"); err != nil {
		t.Fatalf("expected deployment to remain active: %v", err)
	}
}

func TestDeleteProjectIgnoresEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	f.seedSuccessfulBuild(t, "p1", "b1")
	f.seedSuccessfulBuild(t, "p1", "b2")
	f.engine.deleteErr = errors.New("engine down")
	ctx := context.Background()

	if err := f.svc.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.engine.deletes) != 1 || len(f.engine.deletes[0].BuildIDs) != 2 || f.engine.deletes[0].Subdomain != "p1" {
		t.Fatalf("unexpected engine cleanup %+v", f.engine.deletes)
	}
	if _, err := f.store.GetProjectByID(ctx, "p1"); err == nil {
		t.Fatalf("expected project removed")
	}
	if _, err := f.store.GetBuildByID(ctx, "b1"); err == nil {
		t.Fatalf("expected builds removed")
	}
}

func TestDeleteProjectCleansEveryBuildArtifact(t *testing.T) {
	f := newFixture(t)
	f.seedProject(t, "p1", 9001)
	ctx := context.Background()
	for i := 0; i < 75; i++ {
		if err := f.store.CreateBuild(ctx, &domain.Build{ID: fmt.Sprintf("b%02d", i), ProjectID: "p1", Status: domain.BuildPending}); err != nil {
			t.Fatalf("seed build: %v", err)
		}
	}

	if err := f.svc.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.engine.deletes) != 1 {
		t.Fatalf("expected one engine cleanup, got %d", len(f.engine.deletes))
	}
	got := map[string]bool{}
	for _, id := range f.engine.deletes[0].BuildIDs {
		got[id] = true
	}
	for i := 0; i < 75; i++ {
		if id := fmt.Sprintf("b%02d", i); !got[id] {
			t.Fatalf("artifact of %s not scheduled for removal", id)
		}
	}
}
