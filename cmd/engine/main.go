package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/splax/launchpad/internal/artifact"
	"github.com/splax/launchpad/internal/engine"
	"github.com/splax/launchpad/internal/proxy"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/staticserver"
	"github.com/splax/launchpad/internal/supervisor"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

const staticServeCommand = "static-serve"

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == staticServeCommand {
		if len(os.Args) != 4 {
			fmt.Fprintf(os.Stderr, "usage: %s %s <dir> <port>\n", os.Args[0], staticServeCommand)
			os.Exit(2)
		}
		port, err := strconv.Atoi(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", os.Args[3])
			os.Exit(2)
		}
		if err := staticserver.Serve(ctx, os.Args[2], port, logger.New("static-server", logger.ParseLevel(cfg.LogLevel))); err != nil {
			log.Error("static server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	artifacts, err := artifact.NewStore(cfg.BaseDir, cfg.MaxArtifactSizeBytes)
	if err != nil {
		log.Error("artifact store init failed", "error", err, "base_dir", cfg.BaseDir)
		os.Exit(1)
	}

	staticServer, err := staticServerArgv(cfg.StaticServerBin)
	if err != nil {
		log.Error("failed to resolve static server", "error", err)
		os.Exit(1)
	}
	sup := supervisor.New(supervisor.Layout{Base: cfg.BaseDir}, artifacts, nil, nil, supervisor.Options{
		InstallCommand:   cfg.InstallCommand,
		StartCommand:     cfg.StartCommand,
		StaticServer:     staticServer,
		KillGrace:        cfg.KillGrace,
		PortFreeChecks:   cfg.PortFreeChecks,
		PortFreeInterval: cfg.PortFreeInterval,
		Health: supervisor.HealthPolicy{
			Retries:  cfg.HealthRetries,
			Interval: cfg.HealthInterval,
			Timeout:  cfg.HealthTimeout,
		},
		ExtractTimeout: cfg.ExtractTimeout,
		InstallTimeout: cfg.InstallTimeout,
	}, log)

	var routes engine.Routes
	if cfg.ProxyEnabled {
		var reloader proxy.Reloader = proxy.NewCommandReloader(cfg.NginxTestCommand, cfg.NginxReloadCommand)
		if name := strings.TrimSpace(cfg.NginxContainerName); name != "" {
			docker, err := proxy.NewDockerReloader(name)
			if err != nil {
				log.Error("failed to create docker client for proxy reloads", "error", err)
				os.Exit(1)
			}
			defer docker.Close()
			reloader = docker
		}
		configurator, err := proxy.New(proxy.Options{
			AvailableDir: cfg.NginxAvailableDir,
			EnabledDir:   cfg.NginxEnabledDir,
			BaseDomain:   cfg.BaseDomain,
			Reserved:     cfg.ReservedSubdomains,
			Reload: retry.Policy{
				Attempts:  cfg.ReloadAttempts,
				BaseDelay: cfg.ReloadBaseDelay,
			},
		}, reloader, log)
		if err != nil {
			log.Error("proxy configurator init failed", "error", err)
			os.Exit(1)
		}
		routes = configurator
	} else {
		log.Warn("reverse proxy configuration disabled")
	}

	svc := engine.NewService(sup, routes, artifacts, cfg.BaseDir, log)
	router := engine.NewRouter(log, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deploy engine starting", "addr", cfg.Addr, "base_dir", cfg.BaseDir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deploy engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// staticServerArgv defaults to re-executing this binary in static-serve mode.
func staticServerArgv(bin string) ([]string, error) {
	if fields := strings.Fields(bin); len(fields) > 0 {
		return fields, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self, staticServeCommand}, nil
}
