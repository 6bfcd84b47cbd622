package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/proxy"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/crypto"
)

var (
	// ErrInvalidInput wraps every validation failure of project input.
	ErrInvalidInput = errors.New("invalid project input")
	// ErrNoFreePort indicates the configured port range is exhausted.
	ErrNoFreePort = errors.New("no free port in range")
)

// PortProber asks the deploy engine whether a port can be bound.
type PortProber interface {
	PortAvailable(ctx context.Context, port int) (bool, error)
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name           string             `json:"name"`
	RepoURL        string             `json:"repo_url"`
	Branch         string             `json:"branch"`
	RootDirectory  string             `json:"root_directory"`
	BuildCommand   string             `json:"build_command"`
	RuntimeKind    domain.RuntimeKind `json:"runtime_kind"`
	Subdomain      string             `json:"subdomain"`
	InstallationID string             `json:"installation_id"`
}

// EnvVarInput holds environment variable data.
type EnvVarInput struct {
	ProjectID string
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// Options configures port allocation.
type Options struct {
	PortRangeStart int
	PortRangeEnd   int
	// ProbeTimeout caps each engine port check.
	ProbeTimeout time.Duration
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	prober   PortProber
	policy   proxy.Policy
	sealer   crypto.Sealer
	opts     Options
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, prober PortProber, policy proxy.Policy, sealer crypto.Sealer, opts Options, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return Service{projects: projects, prober: prober, policy: policy, sealer: sealer, opts: opts, logger: logger}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// Create validates input, allocates a port and stores the project.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	project := &domain.Project{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(input.Name),
		RepoURL:        strings.TrimSpace(input.RepoURL),
		Branch:         strings.TrimSpace(input.Branch),
		RootDirectory:  strings.Trim(strings.TrimSpace(input.RootDirectory), "/"),
		BuildCommand:   strings.TrimSpace(input.BuildCommand),
		RuntimeKind:    domain.RuntimeKind(strings.ToLower(strings.TrimSpace(string(input.RuntimeKind)))),
		Subdomain:      strings.ToLower(strings.TrimSpace(input.Subdomain)),
		InstallationID: strings.TrimSpace(input.InstallationID),
		CreatedAt:      time.Now().UTC(),
	}
	if project.RuntimeKind == "" {
		project.RuntimeKind = domain.RuntimeServer
	}
	if err := s.validate(project); err != nil {
		return nil, err
	}

	port, err := s.allocatePort(ctx)
	if err != nil {
		return nil, err
	}
	project.Port = port

	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "port", project.Port, "subdomain", project.Subdomain)
	return project, nil
}

func (s Service) validate(p *domain.Project) error {
	if p.Name == "" {
		return invalid("project name is required")
	}
	if p.RepoURL == "" {
		return invalid("repository URL is required")
	}
	if parsed, err := url.Parse(p.RepoURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		if !strings.HasPrefix(p.RepoURL, "file://") {
			return invalid("repository URL must be absolute")
		}
	}
	if p.BuildCommand == "" {
		return invalid("build command is required")
	}
	if !p.RuntimeKind.Valid() {
		return invalid("runtime kind must be server or static")
	}
	if strings.Contains(p.RootDirectory, "..") {
		return invalid("root directory must not escape the repository")
	}
	if p.Subdomain != "" {
		if err := s.policy.Validate(p.Subdomain); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	return nil
}

// allocatePort returns the first port in range that no project holds and the
// engine host reports as bindable.
func (s Service) allocatePort(ctx context.Context) (int, error) {
	assigned, err := s.projects.ListAssignedPorts(ctx)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]struct{}, len(assigned))
	for _, port := range assigned {
		taken[port] = struct{}{}
	}
	for port := s.opts.PortRangeStart; port <= s.opts.PortRangeEnd; port++ {
		if _, ok := taken[port]; ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		available, err := s.prober.PortAvailable(probeCtx, port)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("probe port %d: %w", port, err)
		}
		if available {
			return port, nil
		}
		s.logger.Debug("port busy on engine host", "port", port)
	}
	return 0, ErrNoFreePort
}

// Get returns one project.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, invalid("project id required")
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// List returns every project, newest first.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// SetEnvVar encrypts and stores an environment variable.
func (s Service) SetEnvVar(ctx context.Context, input EnvVarInput) error {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return invalid("environment variable key is required")
	}
	if strings.ContainsAny(key, "= \t\n") {
		return invalid("environment variable key must not contain '=' or whitespace")
	}
	if _, err := s.Get(ctx, input.ProjectID); err != nil {
		return err
	}
	ciphertext, err := s.sealer.Seal(input.Value)
	if err != nil {
		return err
	}
	envVar := &domain.ProjectEnvVar{
		ProjectID: input.ProjectID,
		Key:       key,
		Value:     ciphertext,
		CreatedAt: time.Now().UTC(),
	}
	return s.projects.UpsertEnvVar(ctx, envVar)
}

// ResolveEnv decrypts a project's variables into the map injected into builds
// and running processes.
func (s Service) ResolveEnv(ctx context.Context, projectID string) (map[string]string, error) {
	vars, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		plain, err := s.sealer.Open(v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env %s: %w", v.Key, err)
		}
		env[v.Key] = plain
	}
	return env, nil
}

// EnvKeys lists variable names without exposing values.
func (s Service) EnvKeys(ctx context.Context, projectID string) ([]string, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	vars, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	return keys, nil
}
