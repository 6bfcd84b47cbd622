package domain

import "time"

// BuildStatus enumerates build lifecycle states.
type BuildStatus string

const (
	BuildPending  BuildStatus = "pending"
	BuildBuilding BuildStatus = "building"
	BuildSuccess  BuildStatus = "success"
	BuildFailed   BuildStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailed
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildPending, BuildBuilding, BuildSuccess, BuildFailed:
		return true
	}
	return false
}

// AllowedFrom lists the states a build may move to s from.
// pending->failed covers a trigger that never reached an executor.
func (s BuildStatus) AllowedFrom() []BuildStatus {
	switch s {
	case BuildBuilding:
		return []BuildStatus{BuildPending}
	case BuildSuccess:
		return []BuildStatus{BuildBuilding}
	case BuildFailed:
		return []BuildStatus{BuildPending, BuildBuilding}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal build transition.
func CanTransition(from, to BuildStatus) bool {
	for _, allowed := range to.AllowedFrom() {
		if allowed == from {
			return true
		}
	}
	return false
}

// Build is one attempt to produce an artifact for a project.
type Build struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Status      BuildStatus `json:"status"`
	Logs        string      `json:"logs,omitempty"`
	ArtifactID  string      `json:"artifact_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
