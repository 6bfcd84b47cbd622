package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/engine"
	"github.com/splax/launchpad/internal/engineclient"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/lease"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/ws"
)

var (
	// ErrNoActiveDeployment is returned by Stop when nothing is running.
	ErrNoActiveDeployment = errors.New("no active deployment")
	// ErrBuildNotReady indicates the build has not succeeded or belongs elsewhere.
	ErrBuildNotReady = errors.New("build is not activatable")
	// ErrActivationFailed wraps the engine or persistence error of a failed cutover.
	ErrActivationFailed = errors.New("deployment activation failed")
)

// Engine is the deploy engine surface the orchestrator drives.
type Engine interface {
	Activate(ctx context.Context, req engine.ActivateRequest) error
	Stop(ctx context.Context, req engine.StopRequest) error
	DeleteProject(ctx context.Context, projectID string, req engine.DeleteRequest) ([]string, error)
}

// EnvResolver decrypts the environment injected into the running process.
type EnvResolver interface {
	ResolveEnv(ctx context.Context, projectID string) (map[string]string, error)
}

// Publisher notifies project subscribers.
type Publisher interface {
	Publish(event ws.Event)
}

// Options bounds engine and persistence retries.
type Options struct {
	Activate retry.Policy
	Persist  retry.Policy
	// ControlTimeout caps stop and delete calls to the engine.
	ControlTimeout time.Duration
}

// Service owns deployment lifecycle state.
type Service struct {
	store    repository.Store
	env      EnvResolver
	engine   Engine
	locks    lease.Locker
	events   Publisher
	opts     Options
	outcomes *prometheus.CounterVec
	logger   *slog.Logger
}

// New returns a deployment service. A nil locker serializes per project
// within this process only.
func New(store repository.Store, env EnvResolver, eng Engine, locks lease.Locker, events Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = lease.NewLocal()
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 10 * time.Second
	}
	if opts.Persist.Attempts == 0 {
		opts.Persist = retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, Timeout: 5 * time.Second}
	}
	return &Service{
		store:    store,
		env:      env,
		engine:   eng,
		locks:    locks,
		events:   events,
		opts:     opts,
		outcomes: httpx.NewCounter("control", "activations_total", "Number of deployment activation outcomes", "outcome"),
		logger:   logger,
	}
}

func lockKey(projectID string) string {
	return "project:" + projectID
}

// Activate cuts the project over to buildID. Calling it again for the same
// build reuses the existing deployment record.
func (s *Service) Activate(ctx context.Context, projectID, buildID string) (*domain.Deployment, error) {
	release, err := s.locks.Acquire(ctx, lockKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("acquire project lease: %w", err)
	}
	defer release()

	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	build, err := s.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.ProjectID != project.ID {
		return nil, fmt.Errorf("%w: build %s belongs to another project", ErrBuildNotReady, buildID)
	}
	if build.Status != domain.BuildSuccess {
		return nil, fmt.Errorf("%w: build %s is %s", ErrBuildNotReady, buildID, build.Status)
	}

	dep, err := s.prepare(ctx, project.ID, build.ID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With("project_id", project.ID, "build_id", build.ID, "deployment_id", dep.ID)
	wasActive := dep.Status == domain.DeploymentActive
	if !wasActive {
		s.notify(dep, "")
	}

	env, err := s.env.ResolveEnv(ctx, project.ID)
	if err != nil {
		return s.fail(ctx, dep, wasActive, fmt.Errorf("resolve env: %w", err))
	}
	req := engine.ActivateRequest{
		ProjectID:   project.ID,
		BuildID:     build.ID,
		Port:        project.Port,
		RuntimeKind: project.RuntimeKind,
		Subdomain:   project.Subdomain,
		EnvVars:     env,
	}

	policy := s.opts.Activate
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("engine activation attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		err := s.engine.Activate(ctx, req)
		if engineclient.IsClientError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return s.fail(ctx, dep, wasActive, err)
	}

	var promoted *domain.Deployment
	err = retry.Do(ctx, s.opts.Persist, func(ctx context.Context) error {
		var err error
		promoted, err = s.store.PromoteDeployment(ctx, project.ID, dep.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return s.fail(ctx, dep, wasActive, fmt.Errorf("promote deployment: %w", err))
	}

	s.outcomes.WithLabelValues("success").Inc()
	s.notify(promoted, "")
	log.Info("deployment active", "port", project.Port)
	return promoted, nil
}

// prepare finds or creates the deployment for buildID and marks it activating
// unless it is already the active one.
func (s *Service) prepare(ctx context.Context, projectID, buildID string) (*domain.Deployment, error) {
	dep, err := s.store.GetDeploymentByBuild(ctx, buildID)
	if errors.Is(err, repository.ErrNotFound) {
		dep = &domain.Deployment{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			BuildID:   buildID,
			Status:    domain.DeploymentActivating,
		}
		err = s.store.CreateDeployment(ctx, dep)
		if errors.Is(err, repository.ErrConflict) {
			dep, err = s.store.GetDeploymentByBuild(ctx, buildID)
		}
		if err != nil {
			return nil, err
		}
		if dep.Status == domain.DeploymentActivating {
			return dep, nil
		}
	} else if err != nil {
		return nil, err
	}

	if dep.Status == domain.DeploymentActive {
		return dep, nil
	}
	if err := s.store.UpdateDeploymentStatus(ctx, dep.ID, domain.DeploymentActivating); err != nil {
		return nil, err
	}
	dep.Status = domain.DeploymentActivating
	return dep, nil
}

// fail records a failed cutover. An already active deployment keeps its
// status; nothing else is touched.
func (s *Service) fail(ctx context.Context, dep *domain.Deployment, wasActive bool, cause error) (*domain.Deployment, error) {
	s.outcomes.WithLabelValues("failed").Inc()
	s.logger.Error("deployment activation failed",
		"project_id", dep.ProjectID, "build_id", dep.BuildID, "deployment_id", dep.ID, "error", cause)
	if !wasActive {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateDeploymentStatus(persistCtx, dep.ID, domain.DeploymentFailed); err != nil {
			s.logger.Error("failed to mark deployment failed", "deployment_id", dep.ID, "error", err)
		} else {
			dep.Status = domain.DeploymentFailed
		}
		s.notify(dep, cause.Error())
	}
	return dep, fmt.Errorf("%w: %w", ErrActivationFailed, cause)
}

// Stop terminates the project's running process and marks its active
// deployment inactive.
func (s *Service) Stop(ctx context.Context, projectID string) (*domain.Deployment, error) {
	release, err := s.locks.Acquire(ctx, lockKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("acquire project lease: %w", err)
	}
	defer release()

	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.GetActiveDeployment(ctx, project.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoActiveDeployment
	}
	if err != nil {
		return nil, err
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	err = s.engine.Stop(stopCtx, engine.StopRequest{Port: project.Port, ProjectID: project.ID, BuildID: active.BuildID})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("stop process: %w", err)
	}
	if err := s.store.UpdateDeploymentStatus(ctx, active.ID, domain.DeploymentInactive); err != nil {
		return nil, err
	}
	active.Status = domain.DeploymentInactive
	s.notify(active, "")
	s.logger.Info("deployment stopped", "project_id", project.ID, "deployment_id", active.ID)
	return active, nil
}

// DeleteProject cleans the engine host best-effort, then removes every record
// of the project. Engine failures never block the record deletion.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	release, err := s.locks.Acquire(ctx, lockKey(projectID))
	if err != nil {
		return fmt.Errorf("acquire project lease: %w", err)
	}
	defer release()

	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	log := s.logger.With("project_id", project.ID)

	buildIDs, err := s.store.ListBuildIDsByProject(ctx, project.ID)
	if err != nil {
		log.Warn("failed to list builds for cleanup", "error", err)
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	warnings, err := s.engine.DeleteProject(cleanupCtx, project.ID, engine.DeleteRequest{
		Port:      project.Port,
		Subdomain: project.Subdomain,
		BuildIDs:  buildIDs,
	})
	cancel()
	if err != nil {
		log.Warn("engine cleanup failed", "error", err)
	}
	for _, w := range warnings {
		log.Warn("engine cleanup warning", "warning", w)
	}

	if err := s.store.DeleteProjectCascade(ctx, project.ID); err != nil {
		return err
	}
	log.Info("project deleted", "builds", len(buildIDs))
	return nil
}

// List returns recent deployments for a project.
func (s *Service) List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.store.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListDeploymentsByProject(ctx, projectID, limit)
}

// Active returns the project's active deployment.
func (s *Service) Active(ctx context.Context, projectID string) (*domain.Deployment, error) {
	dep, err := s.store.GetActiveDeployment(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoActiveDeployment
	}
	return dep, err
}

func (s *Service) notify(dep *domain.Deployment, errMsg string) {
	if s.events == nil || dep == nil {
		return
	}
	s.events.Publish(ws.Event{
		Type:         ws.EventDeploymentStatus,
		ProjectID:    dep.ProjectID,
		BuildID:      dep.BuildID,
		DeploymentID: dep.ID,
		Status:       string(dep.Status),
		Error:        errMsg,
	})
}
