package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ErrInvalidID rejects project or build ids unsafe as path segments.
var ErrInvalidID = errors.New("supervisor: invalid id")

// Layout maps projects and builds onto the host filesystem:
//
//	<base>/<project>/builds/<build>/extracted
//	<base>/<project>/current            symlink to the live extracted dir
//	<base>/<project>/current_build_id
//	<base>/<project>/server.pid
//	<base>/<project>/server.log
type Layout struct {
	Base string
}

func (l Layout) ProjectDir(projectID string) (string, error) {
	if !idPattern.MatchString(projectID) {
		return "", fmt.Errorf("%w: project %q", ErrInvalidID, projectID)
	}
	return filepath.Join(l.Base, projectID), nil
}

func (l Layout) ExtractDir(projectID, buildID string) (string, error) {
	dir, err := l.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if !idPattern.MatchString(buildID) {
		return "", fmt.Errorf("%w: build %q", ErrInvalidID, buildID)
	}
	return filepath.Join(dir, "builds", buildID, "extracted"), nil
}

// HostState is the durable handshake for one project: the current symlink,
// the current build id marker and the server PID file.
type HostState struct {
	dir string
}

func (l Layout) State(projectID string) (HostState, error) {
	dir, err := l.ProjectDir(projectID)
	if err != nil {
		return HostState{}, err
	}
	return HostState{dir: dir}, nil
}

func (s HostState) CurrentLink() string { return filepath.Join(s.dir, "current") }
func (s HostState) BuildIDFile() string { return filepath.Join(s.dir, "current_build_id") }
func (s HostState) PIDFile() string     { return filepath.Join(s.dir, "server.pid") }
func (s HostState) LogFile() string     { return filepath.Join(s.dir, "server.log") }

// SwapCurrent repoints current at target. The new link is created under a
// temporary name and renamed over the old one so current never goes missing.
func (s HostState) SwapCurrent(target, buildID string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := s.CurrentLink() + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, s.CurrentLink()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap symlink: %w", err)
	}
	return writeAtomic(s.BuildIDFile(), []byte(buildID))
}

// Current returns the live build id and the directory current points at.
func (s HostState) Current() (buildID, target string, err error) {
	raw, err := os.ReadFile(s.BuildIDFile())
	if err != nil {
		return "", "", err
	}
	target, err = os.Readlink(s.CurrentLink())
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(string(raw)), target, nil
}

// ReadPID returns the recorded server PID, or 0 when none is recorded.
func (s HostState) ReadPID() (int, error) {
	raw, err := os.ReadFile(s.PIDFile())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

func (s HostState) WritePID(pid int) error {
	return writeAtomic(s.PIDFile(), []byte(strconv.Itoa(pid)))
}

func (s HostState) ClearPID() error {
	if err := os.Remove(s.PIDFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
