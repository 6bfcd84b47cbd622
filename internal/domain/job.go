package domain

import (
	"errors"
	"strings"
)

// BuildJob is the unit of work handed from the control plane to a build worker.
type BuildJob struct {
	BuildID        string            `json:"build_id"`
	ProjectID      string            `json:"project_id"`
	SourceURL      string            `json:"source_url"`
	Branch         string            `json:"branch,omitempty"`
	BuildCommand   string            `json:"build_command"`
	RootDirectory  string            `json:"root_directory"`
	RuntimeKind    RuntimeKind       `json:"runtime_kind"`
	EnvVars        map[string]string `json:"env_vars"`
	InstallationID string            `json:"installation_id,omitempty"`
}

// Validate checks the fields a worker cannot run without.
func (j BuildJob) Validate() error {
	switch {
	case strings.TrimSpace(j.BuildID) == "":
		return errors.New("build_id required")
	case strings.TrimSpace(j.ProjectID) == "":
		return errors.New("project_id required")
	case strings.TrimSpace(j.SourceURL) == "":
		return errors.New("source_url required")
	case strings.TrimSpace(j.BuildCommand) == "":
		return errors.New("build_command required")
	case !j.RuntimeKind.Valid():
		return errors.New("runtime_kind must be server or static")
	}
	if strings.Contains(j.RootDirectory, "..") {
		return errors.New("root_directory must not escape the checkout")
	}
	return nil
}
