// Package executor runs the build pipeline for one job: clone, install,
// build, package and upload, reporting progress to the control plane.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/artifact"
	"github.com/splax/launchpad/internal/callback"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/github"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/logstream"
)

// TokenSource resolves installation tokens for private repositories.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID string) (string, error)
}

// Uploader ships an artifact stream to the deploy engine.
type Uploader interface {
	UploadArtifact(ctx context.Context, buildID string, body io.Reader) error
}

// StatusReporter delivers build status callbacks.
type StatusReporter interface {
	UpdateStatus(ctx context.Context, buildID string, update callback.StatusUpdate) error
}

// Options bounds each pipeline step.
type Options struct {
	// InstallCommand overrides package manager detection when set.
	InstallCommand  string
	GitTimeout      time.Duration
	InstallTimeout  time.Duration
	BuildTimeout    time.Duration
	UploadTimeout   time.Duration
	CallbackTimeout time.Duration
}

// Executor runs build jobs.
type Executor struct {
	workspace *Workspace
	tokens    TokenSource
	uploader  Uploader
	reporter  StatusReporter
	logs      *logstream.Coordinator
	opts      Options
	logger    *slog.Logger
	results   *prometheus.CounterVec
}

// New constructs an Executor. tokens may be nil when no GitHub App is
// configured; jobs that need one then fail.
func New(ws *Workspace, tokens TokenSource, uploader Uploader, reporter StatusReporter, logs *logstream.Coordinator, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = 10 * time.Second
	}
	return &Executor{
		workspace: ws,
		tokens:    tokens,
		uploader:  uploader,
		reporter:  reporter,
		logs:      logs,
		opts:      opts,
		logger:    logger,
		results:   httpx.NewCounter("worker", "builds_total", "Number of build pipeline outcomes", "outcome"),
	}
}

// Execute runs job to completion. The returned error is the pipeline
// failure; callback and cleanup problems are only logged.
func (e *Executor) Execute(ctx context.Context, job domain.BuildJob) error {
	log := e.logger.With("build_id", job.BuildID, "project_id", job.ProjectID)
	out := e.logs.Writer(job.BuildID)
	var checkout string
	defer func() {
		e.logs.EnsureFlushed(job.BuildID)
		if checkout == "" {
			return
		}
		if err := e.workspace.Cleanup(checkout); err != nil {
			log.Warn("workspace cleanup failed", "dir", checkout, "error", err)
		}
	}()

	e.report(ctx, log, job.BuildID, callback.StatusUpdate{Status: domain.BuildBuilding})
	fmt.Fprintf(out, "Starting build %s\n", job.BuildID)
	log.Info("build started")

	err := e.run(ctx, job, out, &checkout)
	if err != nil {
		fmt.Fprintf(out, "Build failed: %v\n", err)
		e.logs.EnsureFlushed(job.BuildID)
		e.report(ctx, log, job.BuildID, callback.StatusUpdate{Status: domain.BuildFailed, Error: err.Error()})
		e.results.With(prometheus.Labels{"outcome": "failed"}).Inc()
		log.Error("build failed", "error", err)
		return err
	}

	e.logs.EnsureFlushed(job.BuildID)
	e.report(ctx, log, job.BuildID, callback.StatusUpdate{Status: domain.BuildSuccess, ArtifactID: job.BuildID})
	e.results.With(prometheus.Labels{"outcome": "success"}).Inc()
	log.Info("build succeeded")
	return nil
}

// ReportDropped fails a build whose job the queue gave up on.
func (e *Executor) ReportDropped(ctx context.Context, job domain.BuildJob) {
	log := e.logger.With("build_id", job.BuildID, "project_id", job.ProjectID)
	log.Error("build job dropped after repeated stalls")
	e.results.With(prometheus.Labels{"outcome": "dropped"}).Inc()
	e.report(ctx, log, job.BuildID, callback.StatusUpdate{Status: domain.BuildFailed, Error: "build worker stalled repeatedly"})
}

func (e *Executor) run(ctx context.Context, job domain.BuildJob, out io.Writer, checkout *string) error {
	var token string
	if job.InstallationID != "" {
		fmt.Fprint(out, "Authenticating with GitHub App...\n")
		if e.tokens == nil {
			return fmt.Errorf("resolve installation token: %w", github.ErrNotConfigured)
		}
		var err error
		token, err = e.tokens.InstallationToken(ctx, job.InstallationID)
		if err != nil {
			return fmt.Errorf("resolve installation token: %w", err)
		}
	}

	fmt.Fprint(out, "Cloning repository...\n")
	dir, err := e.workspace.Prepare(job.BuildID)
	if err != nil {
		return err
	}
	*checkout = dir
	gitCtx, cancel := withOptionalTimeout(ctx, e.opts.GitTimeout)
	err = Clone(gitCtx, job.SourceURL, job.Branch, token, dir)
	cancel()
	if err != nil {
		return err
	}

	projectDir, err := Subdir(dir, job.RootDirectory)
	if err != nil {
		return err
	}

	install := e.opts.InstallCommand
	if install == "" {
		pm := DetectPackageManager(projectDir)
		install = pm.Install
		fmt.Fprintf(out, "Installing dependencies with %s...\n", pm.Name)
	} else {
		fmt.Fprint(out, "Installing dependencies...\n")
	}
	if err := runShell(ctx, e.opts.InstallTimeout, install, projectDir, job.EnvVars, out); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}

	fmt.Fprint(out, "Building project...\n")
	if err := runShell(ctx, e.opts.BuildTimeout, job.BuildCommand, projectDir, job.EnvVars, out); err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	fmt.Fprint(out, "Build completed successfully!\n")

	fmt.Fprint(out, "Creating artifact package...\n")
	paths, err := OutputPaths(projectDir, job.RuntimeKind)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Packaging: %s\n", strings.Join(paths, ", "))

	fmt.Fprint(out, "Streaming artifact to deploy engine...\n")
	if err := e.upload(ctx, job.BuildID, projectDir, paths); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	fmt.Fprint(out, "Artifact uploaded successfully!\n")
	return nil
}

// upload packs paths straight into the request body through a pipe.
func (e *Executor) upload(ctx context.Context, buildID, dir string, paths []string) error {
	ctx, cancel := withOptionalTimeout(ctx, e.opts.UploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	packed := make(chan error, 1)
	go func() {
		err := artifact.Pack(ctx, pw, dir, paths)
		pw.CloseWithError(err)
		packed <- err
	}()

	uploadErr := e.uploader.UploadArtifact(ctx, buildID, pr)
	// Unblock the packer if the upload stopped reading early.
	pr.CloseWithError(errors.New("upload finished"))
	packErr := <-packed
	if packErr != nil && uploadErr == nil {
		return fmt.Errorf("pack artifact: %w", packErr)
	}
	if uploadErr != nil {
		return uploadErr
	}
	return nil
}

func (e *Executor) report(ctx context.Context, log *slog.Logger, buildID string, update callback.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CallbackTimeout)
	defer cancel()
	if err := e.reporter.UpdateStatus(ctx, buildID, update); err != nil {
		log.Warn("status callback failed", "status", update.Status, "error", err)
	}
}

func runShell(ctx context.Context, timeout time.Duration, command, dir string, env map[string]string, out io.Writer) error {
	ctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%q timed out after %s", command, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%q exited with code %d", command, exitErr.ExitCode())
		}
		return fmt.Errorf("%q: %w", command, err)
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
