package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.BuildRepository      = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

const projectColumns = `id, name, repo_url, branch, root_directory, build_command, runtime_kind, port,
	COALESCE(subdomain, ''), COALESCE(installation_id, ''), created_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, branch, root_directory, build_command, runtime_kind, port, subdomain, installation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW()) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.RepoURL,
		project.Branch,
		project.RootDirectory,
		project.BuildCommand,
		string(project.RuntimeKind),
		project.Port,
		nilIfEmpty(project.Subdomain),
		nilIfEmpty(project.InstallationID),
	).Scan(&project.CreatedAt)
	return mapError(err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return project, nil
}

// ListProjects returns every project, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// ListAssignedPorts returns every port already bound to a project.
func (r *Repository) ListAssignedPorts(ctx context.Context) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT port FROM projects ORDER BY port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// UpsertEnvVar inserts or replaces a project env var. Value is expected to be sealed already.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error {
	const query = `INSERT INTO project_env_vars (project_id, key, value, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value).Scan(&envVar.CreatedAt)
	return mapError(err)
}

// ListProjectEnvVars lists env vars for a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.ProjectEnvVar, 0)
	for rows.Next() {
		var v domain.ProjectEnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// DeleteProjectCascade removes a project and its dependents children-first.
func (r *Repository) DeleteProjectCascade(ctx context.Context, projectID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	steps := []string{
		`DELETE FROM project_env_vars WHERE project_id = $1`,
		`DELETE FROM deployments WHERE project_id = $1`,
		`DELETE FROM builds WHERE project_id = $1`,
	}
	for _, stmt := range steps {
		if _, err := tx.Exec(ctx, stmt, projectID); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

const buildColumns = `id, project_id, status, logs, COALESCE(artifact_id, ''), created_at, completed_at`

// CreateBuild inserts a build.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	const query = `INSERT INTO builds (id, project_id, status, logs, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query, build.ID, build.ProjectID, string(build.Status), build.Logs).Scan(&build.CreatedAt)
	return mapError(err)
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		return nil, mapError(err)
	}
	return build, nil
}

// ListBuildsByProject lists builds for a project, newest first.
func (r *Repository) ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

// ListBuildIDsByProject returns every build id of the project without loading logs.
func (r *Repository) ListBuildIDsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM builds WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// TransitionBuild applies a guarded status change. The WHERE clause carries the
// lifecycle so concurrent callbacks cannot move a build backwards.
func (r *Repository) TransitionBuild(ctx context.Context, buildID string, status domain.BuildStatus, artifactID string) (*domain.Build, error) {
	allowed := status.AllowedFrom()
	if len(allowed) == 0 {
		return nil, repository.ErrInvalidTransition
	}
	from := make([]string, len(allowed))
	for i, s := range allowed {
		from[i] = string(s)
	}

	query := `UPDATE builds SET
			status = $2,
			artifact_id = COALESCE($3, artifact_id),
			completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($5)
		RETURNING ` + buildColumns
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID, string(status), nilIfEmpty(artifactID), status.Terminal(), from))
	if err == nil {
		return build, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, lookupErr := r.GetBuildByID(ctx, buildID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, repository.ErrInvalidTransition
}

// AppendBuildLog appends a chunk to the build log.
func (r *Repository) AppendBuildLog(ctx context.Context, buildID, chunk string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE builds SET logs = logs || $2 WHERE id = $1`, buildID, chunk)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, project_id, build_id, status, activated_at, created_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, build_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.BuildID,
		string(deployment.Status),
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt)
	return mapError(err)
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// GetDeploymentByBuild fetches the deployment created for a build.
func (r *Repository) GetDeploymentByBuild(ctx context.Context, buildID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE build_id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// GetActiveDeployment returns the project's active deployment.
func (r *Repository) GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 AND status = 'active'`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// ListDeploymentsByProject lists deployments newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// UpdateDeploymentStatus sets a deployment's status. Promotion to active must go
// through PromoteDeployment.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus) error {
	if status == domain.DeploymentActive {
		return repository.ErrInvalidTransition
	}
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET status = $2, updated_at = NOW() WHERE id = $1`, deploymentID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PromoteDeployment demotes the current active deployment and activates the given one.
func (r *Repository) PromoteDeployment(ctx context.Context, projectID, deploymentID string) (*domain.Deployment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const demote = `UPDATE deployments SET status = 'inactive', updated_at = NOW()
		WHERE project_id = $1 AND status = 'active' AND id <> $2`
	if _, err := tx.Exec(ctx, demote, projectID, deploymentID); err != nil {
		return nil, err
	}

	promote := `UPDATE deployments SET status = 'active', activated_at = $3, updated_at = NOW()
		WHERE id = $1 AND project_id = $2
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(tx.QueryRow(ctx, promote, deploymentID, projectID, time.Now().UTC()))
	if err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var kind string
	if err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Branch, &p.RootDirectory, &p.BuildCommand, &kind, &p.Port,
		&p.Subdomain, &p.InstallationID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.RuntimeKind = domain.RuntimeKind(kind)
	return &p, nil
}

func scanBuild(row rowScanner) (*domain.Build, error) {
	var b domain.Build
	var status string
	if err := row.Scan(&b.ID, &b.ProjectID, &status, &b.Logs, &b.ArtifactID, &b.CreatedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	b.Status = domain.BuildStatus(status)
	return &b, nil
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.BuildID, &status, &d.ActivatedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
