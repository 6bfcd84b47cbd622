package repository

import (
	"context"

	"github.com/splax/launchpad/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListAssignedPorts(ctx context.Context) ([]int, error)
	UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
	// DeleteProjectCascade removes env vars, deployments, builds and the
	// project itself, in that order, in one transaction.
	DeleteProjectCascade(ctx context.Context, projectID string) error
}

// BuildRepository persists builds and their logs.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	// ListBuildsByProject returns builds newest first; limit <= 0 returns all.
	ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error)
	// ListBuildIDsByProject returns the id of every build of the project.
	ListBuildIDsByProject(ctx context.Context, projectID string) ([]string, error)
	// TransitionBuild moves a build to status when the current status allows
	// it, returning ErrInvalidTransition otherwise. Entering a terminal status
	// stamps completed_at.
	TransitionBuild(ctx context.Context, buildID string, status domain.BuildStatus, artifactID string) (*domain.Build, error)
	AppendBuildLog(ctx context.Context, buildID, chunk string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentByBuild(ctx context.Context, buildID string) (*domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus) error
	// PromoteDeployment demotes every other active deployment of the project
	// and marks deploymentID active within one transaction.
	PromoteDeployment(ctx context.Context, projectID, deploymentID string) (*domain.Deployment, error)
}

// Store aggregates every repository the control plane needs.
type Store interface {
	ProjectRepository
	BuildRepository
	DeploymentRepository
}
