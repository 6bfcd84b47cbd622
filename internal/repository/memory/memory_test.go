package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

func seed(t *testing.T) (*Store, context.Context) {
	t.Helper()
	s := New()
	ctx := context.Background()
	if err := s.CreateProject(ctx, &domain.Project{ID: "p1", Name: "app", Port: 8001, RuntimeKind: domain.RuntimeServer}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, id := range []string{"b1", "b2"} {
		if err := s.CreateBuild(ctx, &domain.Build{ID: id, ProjectID: "p1", Status: domain.BuildPending}); err != nil {
			t.Fatalf("create build: %v", err)
		}
	}
	return s, ctx
}

func TestTransitionBuildIsMonotonic(t *testing.T) {
	s, ctx := seed(t)

	if _, err := s.TransitionBuild(ctx, "b1", domain.BuildSuccess, ""); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected pending->success to be rejected, got %v", err)
	}
	b, err := s.TransitionBuild(ctx, "b1", domain.BuildBuilding, "")
	if err != nil {
		t.Fatalf("to building: %v", err)
	}
	if b.CompletedAt != nil {
		t.Fatalf("completed_at must stay unset while building")
	}
	b, err = s.TransitionBuild(ctx, "b1", domain.BuildSuccess, "b1")
	if err != nil {
		t.Fatalf("to success: %v", err)
	}
	if b.CompletedAt == nil || b.ArtifactID != "b1" {
		t.Fatalf("expected completed_at and artifact id, got %+v", b)
	}
	if _, err := s.TransitionBuild(ctx, "b1", domain.BuildFailed, ""); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected terminal build to be immutable, got %v", err)
	}
	if _, err := s.TransitionBuild(ctx, "missing", domain.BuildBuilding, ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPromoteDeploymentKeepsSingleActive(t *testing.T) {
	s, ctx := seed(t)
	for _, d := range []domain.Deployment{
		{ID: "d1", ProjectID: "p1", BuildID: "b1", Status: domain.DeploymentActivating},
		{ID: "d2", ProjectID: "p1", BuildID: "b2", Status: domain.DeploymentActivating},
	} {
		d := d
		if err := s.CreateDeployment(ctx, &d); err != nil {
			t.Fatalf("create deployment: %v", err)
		}
	}
	if _, err := s.PromoteDeployment(ctx, "p1", "d1"); err != nil {
		t.Fatalf("promote d1: %v", err)
	}
	if _, err := s.PromoteDeployment(ctx, "p1", "d2"); err != nil {
		t.Fatalf("promote d2: %v", err)
	}
	deployments, _ := s.ListDeploymentsByProject(ctx, "p1", 0)
	active := 0
	for _, d := range deployments {
		if d.Status == domain.DeploymentActive {
			active++
			if d.ID != "d2" {
				t.Fatalf("expected d2 active, got %s", d.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active deployment, got %d", active)
	}
	d1, _ := s.GetDeploymentByID(ctx, "d1")
	if d1.Status != domain.DeploymentInactive {
		t.Fatalf("expected d1 inactive, got %s", d1.Status)
	}
	if err := s.UpdateDeploymentStatus(ctx, "d1", domain.DeploymentActive); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected direct activation to be rejected, got %v", err)
	}
}

func TestCreateDeploymentRejectsDuplicateBuild(t *testing.T) {
	s, ctx := seed(t)
	if err := s.CreateDeployment(ctx, &domain.Deployment{ID: "d1", ProjectID: "p1", BuildID: "b1", Status: domain.DeploymentActivating}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateDeployment(ctx, &domain.Deployment{ID: "d2", ProjectID: "p1", BuildID: "b1", Status: domain.DeploymentActivating})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteProjectCascade(t *testing.T) {
	s, ctx := seed(t)
	_ = s.UpsertEnvVar(ctx, &domain.ProjectEnvVar{ProjectID: "p1", Key: "A", Value: "x"})
	_ = s.CreateDeployment(ctx, &domain.Deployment{ID: "d1", ProjectID: "p1", BuildID: "b1", Status: domain.DeploymentActivating})

	if err := s.DeleteProjectCascade(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetProjectByID(ctx, "p1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected project gone, got %v", err)
	}
	if _, err := s.GetBuildByID(ctx, "b1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected builds gone, got %v", err)
	}
	if _, err := s.GetDeploymentByID(ctx, "d1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected deployments gone, got %v", err)
	}
	vars, _ := s.ListProjectEnvVars(ctx, "p1")
	if len(vars) != 0 {
		t.Fatalf("expected env vars gone, got %d", len(vars))
	}
}

func TestCreateProjectRejectsDuplicatePort(t *testing.T) {
	s, ctx := seed(t)
	err := s.CreateProject(ctx, &domain.Project{ID: "p2", Port: 8001})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected port conflict, got %v", err)
	}
}

func TestNonPositiveLimitListsEveryBuild(t *testing.T) {
	s, ctx := seed(t)
	for i := 0; i < 60; i++ {
		if err := s.CreateBuild(ctx, &domain.Build{ID: fmt.Sprintf("extra-%d", i), ProjectID: "p1", Status: domain.BuildPending}); err != nil {
			t.Fatalf("create build: %v", err)
		}
	}

	all, err := s.ListBuildsByProject(ctx, "p1", 0)
	if err != nil || len(all) != 62 {
		t.Fatalf("expected 62 builds, got %d (%v)", len(all), err)
	}
	ids, err := s.ListBuildIDsByProject(ctx, "p1")
	if err != nil || len(ids) != 62 {
		t.Fatalf("expected 62 build ids, got %d (%v)", len(ids), err)
	}
	limited, _ := s.ListBuildsByProject(ctx, "p1", 10)
	if len(limited) != 10 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
	if other, _ := s.ListBuildIDsByProject(ctx, "missing"); len(other) != 0 {
		t.Fatalf("expected no ids for unknown project, got %v", other)
	}
}
