package domain

import "time"

// DeploymentStatus enumerates deployment lifecycle states.
type DeploymentStatus string

const (
	DeploymentActivating DeploymentStatus = "activating"
	DeploymentActive     DeploymentStatus = "active"
	DeploymentInactive   DeploymentStatus = "inactive"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Deployment binds a build to "currently serving" for a project.
type Deployment struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	BuildID     string           `json:"build_id"`
	Status      DeploymentStatus `json:"status"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
