// Package proxy writes per-subdomain nginx server blocks and reloads nginx.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/splax/launchpad/internal/retry"
)

// Configurator manages sites-available/sites-enabled entries.
type Configurator struct {
	availableDir string
	enabledDir   string
	baseDomain   string
	policy       Policy
	reloader     Reloader
	reloadPolicy retry.Policy
	logger       *slog.Logger
}

// Options configures a Configurator.
type Options struct {
	AvailableDir string
	EnabledDir   string
	BaseDomain   string
	Reserved     []string
	Reload       retry.Policy
}

// New builds a Configurator.
func New(opts Options, reloader Reloader, logger *slog.Logger) (*Configurator, error) {
	for _, dir := range []string{opts.AvailableDir, opts.EnabledDir} {
		if dir == "" {
			return nil, errors.New("proxy: nginx directories required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Reload.Attempts <= 0 {
		opts.Reload.Attempts = 3
	}
	return &Configurator{
		availableDir: opts.AvailableDir,
		enabledDir:   opts.EnabledDir,
		baseDomain:   opts.BaseDomain,
		policy:       NewPolicy(opts.Reserved),
		reloader:     reloader,
		reloadPolicy: opts.Reload,
		logger:       logger,
	}, nil
}

func (c *Configurator) paths(sub string) (available, enabled string) {
	return filepath.Join(c.availableDir, sub+".conf"), filepath.Join(c.enabledDir, sub+".conf")
}

// CreateConfig routes sub to localhost:port. Nothing is written for an invalid
// subdomain. If nginx rejects the result, the previous file is restored.
func (c *Configurator) CreateConfig(ctx context.Context, sub string, port int) error {
	if err := c.policy.Validate(sub); err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("proxy: invalid port %d", port)
	}
	content, err := Render(sub, c.baseDomain, port)
	if err != nil {
		return err
	}

	available, enabled := c.paths(sub)
	previous, readErr := os.ReadFile(available)
	hadPrevious := readErr == nil
	_, linkErr := os.Lstat(enabled)
	hadLink := linkErr == nil

	if err := writeAtomic(available, content); err != nil {
		return fmt.Errorf("write site config: %w", err)
	}
	if !hadLink {
		if err := os.Symlink(available, enabled); err != nil {
			return fmt.Errorf("enable site: %w", err)
		}
	}

	if err := c.reload(ctx); err != nil {
		c.rollback(available, enabled, previous, hadPrevious, hadLink)
		return err
	}
	c.logger.Info("proxy route configured", "subdomain", sub, "port", port)
	return nil
}

// RemoveConfig deletes the route for sub and reloads nginx.
func (c *Configurator) RemoveConfig(ctx context.Context, sub string) error {
	if !subdomainPattern.MatchString(sub) {
		return fmt.Errorf("%w: %q", ErrInvalidSubdomain, sub)
	}
	available, enabled := c.paths(sub)
	removed := false
	for _, p := range []string{enabled, available} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if !removed {
		return nil
	}
	if err := c.reload(ctx); err != nil {
		return err
	}
	c.logger.Info("proxy route removed", "subdomain", sub)
	return nil
}

// reload validates the whole configuration once, then applies it with retry.
// A rejected configuration is permanent and is never applied.
func (c *Configurator) reload(ctx context.Context) error {
	if c.reloader == nil {
		return nil
	}
	if err := c.reloader.Validate(ctx); err != nil {
		return err
	}
	return retry.Do(ctx, c.reloadPolicy, c.reloader.Reload)
}

func (c *Configurator) rollback(available, enabled string, previous []byte, hadPrevious, hadLink bool) {
	if hadPrevious {
		if err := writeAtomic(available, previous); err != nil {
			c.logger.Error("restore previous site config", "path", available, "error", err)
		}
	} else if err := os.Remove(available); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Error("remove rejected site config", "path", available, "error", err)
	}
	if !hadLink {
		if err := os.Remove(enabled); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error("remove rejected site link", "path", enabled, "error", err)
		}
	}
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
