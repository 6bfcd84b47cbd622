// Package memory is an in-process Store used by tests and single-node
// development setups without Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Store keeps every record behind one mutex so multi-record operations are atomic.
type Store struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	envVars     map[string]map[string]domain.ProjectEnvVar
	builds      map[string]domain.Build
	deployments map[string]domain.Deployment
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		projects:    make(map[string]domain.Project),
		envVars:     make(map[string]map[string]domain.ProjectEnvVar),
		builds:      make(map[string]domain.Build),
		deployments: make(map[string]domain.Deployment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	for _, existing := range s.projects {
		if existing.Port == project.Port {
			return repository.ErrConflict
		}
		if project.Subdomain != "" && existing.Subdomain == project.Subdomain {
			return repository.ErrConflict
		}
	}
	project.CreatedAt = s.now()
	s.projects[project.ID] = *project
	return nil
}

func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProjects(_ context.Context) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListAssignedPorts(_ context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ports := make([]int, 0, len(s.projects))
	for _, p := range s.projects {
		ports = append(ports, p.Port)
	}
	sort.Ints(ports)
	return ports, nil
}

func (s *Store) UpsertEnvVar(_ context.Context, envVar *domain.ProjectEnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[envVar.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	vars := s.envVars[envVar.ProjectID]
	if vars == nil {
		vars = make(map[string]domain.ProjectEnvVar)
		s.envVars[envVar.ProjectID] = vars
	}
	if existing, ok := vars[envVar.Key]; ok {
		envVar.CreatedAt = existing.CreatedAt
	} else {
		envVar.CreatedAt = s.now()
	}
	vars[envVar.Key] = *envVar
	return nil
}

func (s *Store) ListProjectEnvVars(_ context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProjectEnvVar, 0, len(s.envVars[projectID]))
	for _, v := range s.envVars[projectID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) DeleteProjectCascade(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.envVars, projectID)
	for id, d := range s.deployments {
		if d.ProjectID == projectID {
			delete(s.deployments, id)
		}
	}
	for id, b := range s.builds {
		if b.ProjectID == projectID {
			delete(s.builds, id)
		}
	}
	delete(s.projects, projectID)
	return nil
}

func (s *Store) CreateBuild(_ context.Context, build *domain.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[build.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.builds[build.ID]; ok {
		return repository.ErrConflict
	}
	build.CreatedAt = s.now()
	s.builds[build.ID] = *build
	return nil
}

func (s *Store) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (s *Store) ListBuildsByProject(_ context.Context, projectID string, limit int) ([]domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Build, 0)
	for _, b := range s.builds {
		if b.ProjectID == projectID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListBuildIDsByProject(ctx context.Context, projectID string) ([]string, error) {
	builds, err := s.ListBuildsByProject(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(builds))
	for i, b := range builds {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *Store) TransitionBuild(_ context.Context, buildID string, status domain.BuildStatus, artifactID string) (*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !domain.CanTransition(b.Status, status) {
		return nil, repository.ErrInvalidTransition
	}
	b.Status = status
	if strings.TrimSpace(artifactID) != "" {
		b.ArtifactID = artifactID
	}
	if status.Terminal() {
		completed := s.now()
		b.CompletedAt = &completed
	}
	s.builds[buildID] = b
	return &b, nil
}

func (s *Store) AppendBuildLog(_ context.Context, buildID, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	b.Logs += chunk
	s.builds[buildID] = b
	return nil
}

func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[deployment.BuildID]; !ok {
		return repository.ErrNotFound
	}
	for _, d := range s.deployments {
		if d.ID == deployment.ID || d.BuildID == deployment.BuildID {
			return repository.ErrConflict
		}
	}
	if deployment.Status == domain.DeploymentActive {
		return repository.ErrInvalidTransition
	}
	now := s.now()
	deployment.CreatedAt = now
	deployment.UpdatedAt = now
	s.deployments[deployment.ID] = *deployment
	return nil
}

func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *Store) GetDeploymentByBuild(_ context.Context, buildID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.BuildID == buildID {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetActiveDeployment(_ context.Context, projectID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.ProjectID == projectID && d.Status == domain.DeploymentActive {
			return &d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateDeploymentStatus(_ context.Context, deploymentID string, status domain.DeploymentStatus) error {
	if status == domain.DeploymentActive {
		return repository.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = s.now()
	s.deployments[deploymentID] = d
	return nil
}

func (s *Store) PromoteDeployment(_ context.Context, projectID, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.deployments[deploymentID]
	if !ok || target.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	now := s.now()
	for id, d := range s.deployments {
		if id != deploymentID && d.ProjectID == projectID && d.Status == domain.DeploymentActive {
			d.Status = domain.DeploymentInactive
			d.UpdatedAt = now
			s.deployments[id] = d
		}
	}
	target.Status = domain.DeploymentActive
	target.ActivatedAt = &now
	target.UpdatedAt = now
	s.deployments[deploymentID] = target
	return &target, nil
}
