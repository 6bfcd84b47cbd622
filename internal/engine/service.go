// Package engine is the deploy host service: it stores uploaded artifacts,
// cuts projects over to new builds through the supervisor and keeps the
// reverse proxy routes in step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/lease"
	"github.com/splax/launchpad/internal/supervisor"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Runner starts and stops project processes.
type Runner interface {
	Activate(ctx context.Context, req supervisor.ActivateRequest) error
	Stop(ctx context.Context, projectID string, port int) error
	RemoveProject(projectID string) error
}

// Routes manages public proxy routes.
type Routes interface {
	CreateConfig(ctx context.Context, sub string, port int) error
	RemoveConfig(ctx context.Context, sub string) error
}

// Artifacts stores build archives.
type Artifacts interface {
	Save(ctx context.Context, buildID string, r io.Reader) (int64, error)
	Delete(buildID string) error
}

// ActivateRequest is the body of POST /activate.
type ActivateRequest struct {
	ProjectID   string             `json:"projectId"`
	BuildID     string             `json:"buildId"`
	Port        int                `json:"port"`
	RuntimeKind domain.RuntimeKind `json:"runtimeKind"`
	Subdomain   string             `json:"subdomain,omitempty"`
	EnvVars     map[string]string  `json:"envVars,omitempty"`
}

// Validate checks the fields activation cannot run without.
func (r ActivateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ProjectID) == "":
		return fmt.Errorf("%w: projectId required", ErrInvalidRequest)
	case strings.TrimSpace(r.BuildID) == "":
		return fmt.Errorf("%w: buildId required", ErrInvalidRequest)
	case !validPort(r.Port):
		return fmt.Errorf("%w: port out of range", ErrInvalidRequest)
	case !r.RuntimeKind.Valid():
		return fmt.Errorf("%w: runtimeKind must be server or static", ErrInvalidRequest)
	}
	return nil
}

// StopRequest is the body of POST /stop.
type StopRequest struct {
	Port      int    `json:"port"`
	ProjectID string `json:"projectId,omitempty"`
	BuildID   string `json:"buildId,omitempty"`
}

// DeleteRequest is the body of POST /projects/{id}/delete.
type DeleteRequest struct {
	Port      int      `json:"port,omitempty"`
	Subdomain string   `json:"subdomain,omitempty"`
	BuildIDs  []string `json:"buildIds,omitempty"`
}

// Service coordinates host-side deployment work.
type Service struct {
	runner    Runner
	routes    Routes
	artifacts Artifacts
	locks     lease.Locker
	baseDir   string
	available func(port int) bool
	logger    *slog.Logger
}

// NewService wires the engine. routes may be nil when proxy management is
// disabled.
func NewService(runner Runner, routes Routes, artifacts Artifacts, baseDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:    runner,
		routes:    routes,
		artifacts: artifacts,
		locks:     lease.NewLocal(),
		baseDir:   baseDir,
		available: supervisor.PortAvailable,
		logger:    logger,
	}
}

// Upload stores the archive for buildID.
func (s *Service) Upload(ctx context.Context, buildID string, r io.Reader) (int64, error) {
	n, err := s.artifacts.Save(ctx, buildID, r)
	if err != nil {
		return 0, err
	}
	s.logger.Info("artifact stored", "build_id", buildID, "bytes", n)
	return n, nil
}

// Activate cuts the project over to the build and publishes its route.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, req.ProjectID)
	if err != nil {
		return err
	}
	defer release()

	err = s.runner.Activate(ctx, supervisor.ActivateRequest{
		ProjectID:   req.ProjectID,
		BuildID:     req.BuildID,
		Port:        req.Port,
		RuntimeKind: req.RuntimeKind,
		EnvVars:     req.EnvVars,
	})
	if err != nil {
		return err
	}
	if req.Subdomain != "" && s.routes != nil {
		if err := s.routes.CreateConfig(ctx, req.Subdomain, req.Port); err != nil {
			return fmt.Errorf("configure proxy: %w", err)
		}
	}
	return nil
}

// Stop terminates whatever serves the port.
func (s *Service) Stop(ctx context.Context, req StopRequest) error {
	if !validPort(req.Port) {
		return fmt.Errorf("%w: port out of range", ErrInvalidRequest)
	}
	if req.ProjectID != "" {
		release, err := s.locks.Acquire(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		defer release()
	}
	s.logger.Info("stopping project", "project_id", req.ProjectID, "build_id", req.BuildID, "port", req.Port)
	return s.runner.Stop(ctx, req.ProjectID, req.Port)
}

// DeleteProject removes every trace of the project from the host. Each step
// is attempted regardless of earlier failures; the failures are returned as
// warnings.
func (s *Service) DeleteProject(ctx context.Context, projectID string, req DeleteRequest) ([]string, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project id required", ErrInvalidRequest)
	}
	release, err := s.locks.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := s.logger.With("project_id", projectID)
	var warnings []string
	warn := func(step string, err error) {
		log.Warn("project cleanup step failed", "step", step, "error", err)
		warnings = append(warnings, step+": "+err.Error())
	}

	if validPort(req.Port) {
		if err := s.runner.Stop(ctx, projectID, req.Port); err != nil {
			warn("stop", err)
		}
	}
	for _, buildID := range req.BuildIDs {
		if err := s.artifacts.Delete(buildID); err != nil {
			warn("delete artifact "+buildID, err)
		}
	}
	if err := s.runner.RemoveProject(projectID); err != nil {
		warn("remove project files", err)
	}
	if req.Subdomain != "" && s.routes != nil {
		if err := s.routes.RemoveConfig(ctx, req.Subdomain); err != nil {
			warn("remove proxy route", err)
		}
	}
	log.Info("project removed from host", "warnings", len(warnings))
	return warnings, nil
}

// PortAvailable reports whether nothing is bound to port.
func (s *Service) PortAvailable(port int) (bool, error) {
	if !validPort(port) {
		return false, fmt.Errorf("%w: port out of range", ErrInvalidRequest)
	}
	return s.available(port), nil
}

// Health reports whether the engine's base directory is usable.
func (s *Service) Health(context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.baseDir)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
