package domain

import "time"

// RuntimeKind classifies how a project is served once built.
type RuntimeKind string

const (
	// RuntimeServer runs a long-lived server-rendered process.
	RuntimeServer RuntimeKind = "server"
	// RuntimeStatic serves the build output with the bundled static server.
	RuntimeStatic RuntimeKind = "static"
)

// Valid reports whether k is a known runtime kind.
func (k RuntimeKind) Valid() bool {
	return k == RuntimeServer || k == RuntimeStatic
}

// Project describes a deployable unit.
type Project struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	RepoURL        string      `json:"repo_url"`
	Branch         string      `json:"branch,omitempty"`
	RootDirectory  string      `json:"root_directory,omitempty"`
	BuildCommand   string      `json:"build_command"`
	RuntimeKind    RuntimeKind `json:"runtime_kind"`
	Port           int         `json:"port"`
	Subdomain      string      `json:"subdomain,omitempty"`
	InstallationID string      `json:"installation_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ProjectEnvVar stores an encrypted environment variable.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     string
	CreatedAt time.Time
}
