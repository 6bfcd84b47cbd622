package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/splax/launchpad/internal/github"
)

// Clone shallow-clones repoURL at branch into dest. A non-empty token is
// embedded as installation credentials and scrubbed from any error output.
func Clone(ctx context.Context, repoURL, branch, token, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cloneURL, err := github.CloneURL(repoURL, token)
	if err != nil {
		return err
	}
	args := []string{"clone", "--depth", "1"}
	if branch = strings.TrimSpace(branch); branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, cloneURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %s: %s", github.Scrub(err.Error(), token), github.Scrub(strings.TrimSpace(string(output)), token))
	}
	return nil
}
