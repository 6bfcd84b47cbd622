// Package supervisor runs one application process per project on the deploy
// host: it extracts artifacts, swaps the current build, frees the project's
// port, spawns the new server detached and waits for it to answer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/splax/launchpad/internal/artifact"
	"github.com/splax/launchpad/internal/domain"
)

var (
	// ErrArtifactMissing indicates activation was requested for a build with no stored artifact.
	ErrArtifactMissing = errors.New("supervisor: artifact not found")
	// ErrSelfOwnedPort indicates the only listener on the target port is the supervisor itself.
	ErrSelfOwnedPort = errors.New("supervisor: port is held by the deploy engine itself")
	// ErrPortBusy indicates the port stayed bound after every kill attempt.
	ErrPortBusy = errors.New("supervisor: port still in use")
	// ErrNoServable indicates a static build has nothing to serve.
	ErrNoServable = errors.New("supervisor: no servable output in artifact")
)

// Options configures timings and commands.
type Options struct {
	// InstallCommand runs when a server build has no node_modules.
	InstallCommand string
	// StartCommand starts a server build; "-- --port N" is appended.
	StartCommand string
	// StaticServer is argv prefix for the static server; dir and port are appended.
	StaticServer     []string
	KillGrace        time.Duration
	PortFreeChecks   int
	PortFreeInterval time.Duration
	Health           HealthPolicy
	ExtractTimeout   time.Duration
	InstallTimeout   time.Duration
}

// ActivateRequest describes one cutover.
type ActivateRequest struct {
	ProjectID   string
	BuildID     string
	Port        int
	RuntimeKind domain.RuntimeKind
	EnvVars     map[string]string
}

// Supervisor owns host processes for projects.
type Supervisor struct {
	layout    Layout
	artifacts *artifact.Store
	inspector PortInspector
	signals   Signaller
	client    *http.Client
	opts      Options
	logger    *slog.Logger
	selfPID   int
}

// New constructs a Supervisor.
func New(layout Layout, artifacts *artifact.Store, inspector PortInspector, signals Signaller, opts Options, logger *slog.Logger) *Supervisor {
	if inspector == nil {
		inspector = CommandInspector{}
	}
	if signals == nil {
		signals = UnixSignaller{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	if opts.PortFreeChecks <= 0 {
		opts.PortFreeChecks = 10
	}
	if opts.PortFreeInterval <= 0 {
		opts.PortFreeInterval = 500 * time.Millisecond
	}
	if opts.Health.Retries <= 0 {
		opts.Health.Retries = 20
	}
	if opts.Health.Interval <= 0 {
		opts.Health.Interval = 500 * time.Millisecond
	}
	if opts.Health.Timeout <= 0 {
		opts.Health.Timeout = time.Second
	}
	return &Supervisor{
		layout:    layout,
		artifacts: artifacts,
		inspector: inspector,
		signals:   signals,
		client:    &http.Client{Timeout: opts.Health.Timeout},
		opts:      opts,
		logger:    logger,
		selfPID:   os.Getpid(),
	}
}

// Activate cuts the project over to req.BuildID.
func (s *Supervisor) Activate(ctx context.Context, req ActivateRequest) error {
	log := s.logger.With("project_id", req.ProjectID, "build_id", req.BuildID, "port", req.Port)
	if !s.artifacts.Exists(req.BuildID) {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, req.BuildID)
	}
	state, err := s.layout.State(req.ProjectID)
	if err != nil {
		return err
	}
	extractDir, err := s.layout.ExtractDir(req.ProjectID, req.BuildID)
	if err != nil {
		return err
	}

	log.Info("extracting artifact", "dir", extractDir)
	extractCtx, cancel := withOptionalTimeout(ctx, s.opts.ExtractTimeout)
	err = s.artifacts.Extract(extractCtx, req.BuildID, extractDir)
	cancel()
	if err != nil {
		return fmt.Errorf("extract artifact: %w", err)
	}

	if err := state.SwapCurrent(extractDir, req.BuildID); err != nil {
		return fmt.Errorf("update current build: %w", err)
	}

	if err := s.FreePort(ctx, req.ProjectID, req.Port); err != nil {
		return err
	}

	argv, err := s.command(ctx, req, extractDir, state)
	if err != nil {
		return err
	}
	pid, err := s.spawn(argv, extractDir, req, state)
	if err != nil {
		return err
	}
	log.Info("process started", "pid", pid)

	if err := WaitHealthy(ctx, s.client, req.Port, s.opts.Health); err != nil {
		return err
	}
	log.Info("process healthy")
	return nil
}

// Stop terminates whatever serves the project's port.
func (s *Supervisor) Stop(ctx context.Context, projectID string, port int) error {
	if projectID == "" {
		return s.ensurePortFree(ctx, port)
	}
	return s.FreePort(ctx, projectID, port)
}

// RemoveProject deletes every file the project owns on the host.
func (s *Supervisor) RemoveProject(projectID string) error {
	dir, err := s.layout.ProjectDir(projectID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// FreePort stops the recorded server for the project, then removes any other
// listener on port and waits until the port is verifiably free.
func (s *Supervisor) FreePort(ctx context.Context, projectID string, port int) error {
	state, err := s.layout.State(projectID)
	if err != nil {
		return err
	}
	pid, err := state.ReadPID()
	if err != nil {
		s.logger.Warn("read pid file", "project_id", projectID, "error", err)
	}
	if pid > 0 && pid != s.selfPID && s.signals.Alive(pid) {
		s.logger.Info("stopping previous process", "project_id", projectID, "pid", pid)
		s.terminate(ctx, pid)
	}
	if err := state.ClearPID(); err != nil {
		s.logger.Warn("remove pid file", "project_id", projectID, "error", err)
	}
	return s.ensurePortFree(ctx, port)
}

func (s *Supervisor) terminate(ctx context.Context, pid int) {
	if err := s.signals.Terminate(pid); err != nil {
		s.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}
	deadline := time.Now().Add(s.opts.KillGrace)
	for time.Now().Before(deadline) {
		if !s.signals.Alive(pid) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	if s.signals.Alive(pid) {
		if err := s.signals.Kill(pid); err != nil {
			s.logger.Warn("SIGKILL failed", "pid", pid, "error", err)
		}
	}
}

func (s *Supervisor) ensurePortFree(ctx context.Context, port int) error {
	pids, err := s.inspector.ListenerPIDs(ctx, port)
	if err != nil {
		s.logger.Warn("inspect port", "port", port, "error", err)
	}
	targets, selfFound := s.excludeSelf(pids)
	if selfFound && len(targets) == 0 {
		return fmt.Errorf("%w: %d", ErrSelfOwnedPort, port)
	}
	for _, pid := range targets {
		s.logger.Warn("killing stray listener", "port", port, "pid", pid)
		if err := s.signals.Kill(pid); err != nil {
			s.logger.Warn("kill stray listener", "pid", pid, "error", err)
		}
	}

	for i := 0; i < s.opts.PortFreeChecks; i++ {
		if s.portFree(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PortFreeInterval):
		}
		pids, _ := s.inspector.ListenerPIDs(ctx, port)
		targets, _ := s.excludeSelf(pids)
		for _, pid := range targets {
			_ = s.signals.Kill(pid)
		}
	}
	return fmt.Errorf("%w: %d", ErrPortBusy, port)
}

func (s *Supervisor) excludeSelf(pids []int) (targets []int, selfFound bool) {
	for _, pid := range pids {
		if pid == s.selfPID {
			selfFound = true
			continue
		}
		targets = append(targets, pid)
	}
	return targets, selfFound
}

// portFree requires both an empty listener list and a refused HTTP request.
func (s *Supervisor) portFree(ctx context.Context, port int) bool {
	pids, err := s.inspector.ListenerPIDs(ctx, port)
	if err == nil && len(pids) > 0 {
		return false
	}
	_, err = probe(ctx, s.client, "http://localhost:"+strconv.Itoa(port)+"/", s.opts.Health.Timeout)
	return err != nil
}

func (s *Supervisor) command(ctx context.Context, req ActivateRequest, dir string, state HostState) ([]string, error) {
	if serveDir, static := StaticRoot(req.RuntimeKind, dir); static {
		if serveDir == "" {
			return nil, ErrNoServable
		}
		argv := append([]string(nil), s.opts.StaticServer...)
		return append(argv, serveDir, strconv.Itoa(req.Port)), nil
	}

	if _, err := os.Stat(filepath.Join(dir, "node_modules")); errors.Is(err, os.ErrNotExist) && s.opts.InstallCommand != "" {
		s.logger.Info("installing production dependencies", "project_id", req.ProjectID, "build_id", req.BuildID)
		installCtx, cancel := withOptionalTimeout(ctx, s.opts.InstallTimeout)
		defer cancel()
		if err := s.runLogged(installCtx, s.opts.InstallCommand, dir, req, state); err != nil {
			return nil, fmt.Errorf("install dependencies: %w", err)
		}
	}
	argv := strings.Fields(s.opts.StartCommand)
	if len(argv) == 0 {
		return nil, errors.New("supervisor: start command not configured")
	}
	return append(argv, "--", "--port", strconv.Itoa(req.Port)), nil
}

// StaticRoot decides whether a build is served by the static server and from
// which directory. Server builds that only produced a static export are
// served statically as well.
func StaticRoot(kind domain.RuntimeKind, dir string) (string, bool) {
	if kind == domain.RuntimeServer {
		if exists(filepath.Join(dir, ".next")) || !exists(filepath.Join(dir, "out")) {
			return "", false
		}
		return filepath.Join(dir, "out"), true
	}
	for _, candidate := range []string{"dist", "build", "out"} {
		p := filepath.Join(dir, candidate)
		if exists(p) {
			return p, true
		}
	}
	if exists(filepath.Join(dir, "index.html")) {
		return dir, true
	}
	return "", true
}

func (s *Supervisor) runLogged(ctx context.Context, command, dir string, req ActivateRequest, state HostState) error {
	logFile, err := os.OpenFile(state.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = environ(req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd.Run()
}

// spawn starts argv in its own session so it outlives the engine, records its
// PID and lets go of it. A process whose PID cannot be recorded is killed.
func (s *Supervisor) spawn(argv []string, dir string, req ActivateRequest, state HostState) (int, error) {
	logFile, err := os.OpenFile(state.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = environ(req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	// Reap on exit so a dead server does not linger as a zombie; the PID file,
	// not this goroutine, is how the next activation finds the process.
	go func() { _ = cmd.Wait() }()
	if err := state.WritePID(pid); err != nil {
		// An unrecorded server could never be stopped by the next activation.
		if killErr := s.signals.Kill(pid); killErr != nil {
			s.logger.Warn("kill unrecorded process", "project_id", req.ProjectID, "pid", pid, "error", killErr)
		}
		return 0, fmt.Errorf("record pid %d: %w", pid, err)
	}
	return pid, nil
}

func environ(req ActivateRequest) []string {
	env := os.Environ()
	for k, v := range req.EnvVars {
		env = append(env, k+"="+v)
	}
	return append(env, "PORT="+strconv.Itoa(req.Port))
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
