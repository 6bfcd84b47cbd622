package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/callback"
	"github.com/splax/launchpad/internal/engineclient"
	"github.com/splax/launchpad/internal/executor"
	"github.com/splax/launchpad/internal/github"
	"github.com/splax/launchpad/internal/logstream"
	"github.com/splax/launchpad/internal/queue"
	"github.com/splax/launchpad/internal/worker"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Error("redis ping failed", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}

	workspace, err := executor.NewWorkspace(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	reporter, err := callback.NewReporter(cfg.ControlURL, cfg.BuilderToken, &http.Client{Timeout: cfg.CallbackTimeout})
	if err != nil {
		log.Error("failed to configure control callbacks", "error", err)
		os.Exit(1)
	}
	engineClient, err := engineclient.New(cfg.EngineURL, nil)
	if err != nil {
		log.Error("failed to configure deploy engine client", "error", err)
		os.Exit(1)
	}

	var tokens executor.TokenSource
	app, err := github.NewApp(cfg.GitHubAppID, cfg.GitHubKeyPath, cfg.GitHubAPIURL, nil)
	switch {
	case errors.Is(err, github.ErrNotConfigured):
		log.Info("github app not configured; private repositories are unavailable")
	case err != nil:
		log.Error("failed to load github app", "error", err)
		os.Exit(1)
	default:
		tokens = app
	}

	logs := logstream.New(reporter, logstream.Options{
		Threshold:   cfg.LogFlushBytes,
		Interval:    cfg.LogFlushInterval,
		SendTimeout: cfg.CallbackTimeout,
	}, log)
	exec := executor.New(workspace, tokens, engineClient, reporter, logs, executor.Options{
		InstallCommand:  cfg.InstallCommand,
		GitTimeout:      cfg.GitTimeout,
		InstallTimeout:  cfg.CommandTimeout,
		BuildTimeout:    cfg.BuildTimeout,
		UploadTimeout:   cfg.UploadTimeout,
		CallbackTimeout: cfg.CallbackTimeout,
	}, log)

	q := queue.New(client, cfg.QueueName, queue.Options{
		LockDuration:    cfg.LockDuration,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
	}, log)
	consumer := queue.NewConsumer(q, exec.Execute, exec.ReportDropped)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		log.Info("build consumer starting", "queue", cfg.QueueName)
		if err := consumer.Run(ctx); err != nil {
			log.Error("build consumer stopped", "error", err)
		}
	}()

	router := worker.NewRouter(log, q, cfg.BuilderToken)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-consumerDone
		log.Info("worker server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
