package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/ws"
)

var (
	// ErrTriggerFailed means the worker could not be reached within the retry
	// budget; the build has been marked failed.
	ErrTriggerFailed = errors.New("build trigger failed")
	// ErrInvalidStatus rejects unknown status values in callbacks.
	ErrInvalidStatus = errors.New("invalid build status")
	// ErrNotActivatable is returned when activation is requested for a build
	// that has not succeeded.
	ErrNotActivatable = errors.New("only successful builds can be activated")
)

// Dispatcher starts a build job on a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.BuildJob) error
}

// Activator promotes a successful build.
type Activator interface {
	Activate(ctx context.Context, projectID, buildID string) (*domain.Deployment, error)
}

// EnvResolver decrypts the environment injected into the build.
type EnvResolver interface {
	ResolveEnv(ctx context.Context, projectID string) (map[string]string, error)
}

// Publisher notifies project subscribers.
type Publisher interface {
	Publish(event ws.Event)
}

// StatusUpdate is the worker's status callback body.
type StatusUpdate struct {
	Status     domain.BuildStatus `json:"status"`
	ArtifactID string             `json:"artifact_id,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Service owns build lifecycle state.
type Service struct {
	store      repository.Store
	env        EnvResolver
	dispatcher Dispatcher
	activator  Activator
	events     Publisher
	policy     retry.Policy
	triggers   *prometheus.CounterVec
	logger     *slog.Logger
}

// New returns a build service. policy bounds trigger attempts.
func New(store repository.Store, env EnvResolver, dispatcher Dispatcher, activator Activator, events Publisher, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		env:        env,
		dispatcher: dispatcher,
		activator:  activator,
		events:     events,
		policy:     policy,
		triggers:   httpx.NewCounter("control", "build_dispatch_total", "Number of build dispatch outcomes", "outcome"),
		logger:     logger,
	}
}

// Trigger records a pending build and hands it to a worker. When every
// attempt fails the build is marked failed with the last error as its log and
// ErrTriggerFailed is returned alongside it.
func (s *Service) Trigger(ctx context.Context, projectID string) (*domain.Build, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env, err := s.env.ResolveEnv(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve env: %w", err)
	}

	build := &domain.Build{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.BuildPending,
	}
	if err := s.store.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	s.notifyStatus(build, "")
	log := s.logger.With("project_id", project.ID, "build_id", build.ID)

	job := domain.BuildJob{
		BuildID:        build.ID,
		ProjectID:      project.ID,
		SourceURL:      project.RepoURL,
		Branch:         project.Branch,
		BuildCommand:   project.BuildCommand,
		RootDirectory:  project.RootDirectory,
		RuntimeKind:    project.RuntimeKind,
		EnvVars:        env,
		InstallationID: project.InstallationID,
	}
	policy := s.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("build trigger attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.dispatcher.Dispatch(ctx, job)
	})
	if err == nil {
		s.triggers.WithLabelValues("dispatched").Inc()
		log.Info("build dispatched")
		return build, nil
	}

	s.triggers.WithLabelValues("failed").Inc()
	log.Error("build trigger failed", "error", err)
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	msg := fmt.Sprintf("Build trigger failed: %v\n", err)
	if appendErr := s.store.AppendBuildLog(persistCtx, build.ID, msg); appendErr != nil {
		log.Error("failed to record trigger error", "error", appendErr)
	}
	failed, transErr := s.store.TransitionBuild(persistCtx, build.ID, domain.BuildFailed, "")
	if transErr != nil {
		log.Error("failed to mark build failed", "error", transErr)
	} else {
		build = failed
		s.notifyStatus(build, err.Error())
	}
	return build, fmt.Errorf("%w: %w", ErrTriggerFailed, err)
}

// HandleStatus applies a worker status callback. Repeating the current status
// is accepted as a no-op. On success the build is activated; an activation
// failure is appended to the build log and the build stays successful.
func (s *Service) HandleStatus(ctx context.Context, buildID string, update StatusUpdate) (*domain.Build, error) {
	if !update.Status.Valid() || update.Status == domain.BuildPending {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status)
	}
	build, err := s.store.TransitionBuild(ctx, buildID, update.Status, update.ArtifactID)
	if errors.Is(err, repository.ErrInvalidTransition) {
		current, getErr := s.store.GetBuildByID(ctx, buildID)
		if getErr == nil && current.Status == update.Status {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	log := s.logger.With("project_id", build.ProjectID, "build_id", build.ID, "status", build.Status)
	if update.Error != "" {
		log.Warn("build reported error", "error", update.Error)
	} else {
		log.Info("build status updated")
	}
	s.notifyStatus(build, update.Error)

	if build.Status != domain.BuildSuccess || s.activator == nil {
		return build, nil
	}
	// The worker's callback deadline must not cut the cutover short.
	if _, err := s.activator.Activate(context.WithoutCancel(ctx), build.ProjectID, build.ID); err != nil {
		s.recordActivationFailure(ctx, build, err)
	}
	return build, nil
}

// Activate retries activation of a successful build without rebuilding.
func (s *Service) Activate(ctx context.Context, buildID string) (*domain.Deployment, error) {
	build, err := s.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.Status != domain.BuildSuccess {
		return nil, fmt.Errorf("%w: build is %s", ErrNotActivatable, build.Status)
	}
	dep, err := s.activator.Activate(ctx, build.ProjectID, build.ID)
	if err != nil {
		s.recordActivationFailure(ctx, build, err)
		return dep, err
	}
	return dep, nil
}

func (s *Service) recordActivationFailure(ctx context.Context, build *domain.Build, cause error) {
	s.logger.Error("deployment activation failed", "project_id", build.ProjectID, "build_id", build.ID, "error", cause)
	chunk := fmt.Sprintf("\n[deployment] ERROR: activation failed: %v\n", cause)
	if err := s.store.AppendBuildLog(context.WithoutCancel(ctx), build.ID, chunk); err != nil {
		s.logger.Error("failed to record activation error", "build_id", build.ID, "error", err)
		return
	}
	s.notifyLog(build, chunk)
}

// AppendLogs persists a chunk of build output and broadcasts it.
func (s *Service) AppendLogs(ctx context.Context, buildID, chunk string) error {
	if chunk == "" {
		return nil
	}
	build, err := s.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if err := s.store.AppendBuildLog(ctx, build.ID, chunk); err != nil {
		return err
	}
	s.notifyLog(build, chunk)
	return nil
}

// Get returns one build with its log.
func (s *Service) Get(ctx context.Context, buildID string) (*domain.Build, error) {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return nil, repository.ErrInvalidArgument
	}
	return s.store.GetBuildByID(ctx, buildID)
}

// ListByProject returns recent builds for a project.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	if _, err := s.store.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListBuildsByProject(ctx, projectID, limit)
}

func (s *Service) notifyStatus(build *domain.Build, errMsg string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ws.Event{
		Type:      ws.EventBuildStatus,
		ProjectID: build.ProjectID,
		BuildID:   build.ID,
		Status:    string(build.Status),
		Error:     errMsg,
	})
}

func (s *Service) notifyLog(build *domain.Build, chunk string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ws.Event{
		Type:      ws.EventBuildLog,
		ProjectID: build.ProjectID,
		BuildID:   build.ID,
		Logs:      chunk,
	})
}
