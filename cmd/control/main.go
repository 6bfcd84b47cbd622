package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/control"
	"github.com/splax/launchpad/internal/deployment"
	"github.com/splax/launchpad/internal/engineclient"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/lease"
	"github.com/splax/launchpad/internal/project"
	"github.com/splax/launchpad/internal/proxy"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/repository/postgres"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/crypto"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	cfg := config.LoadControlConfig()
	log := logger.New("control", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    repository.Store
		dbHealth func(context.Context) error
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				log.Error("failed to configure migrations", "error", err)
				os.Exit(1)
			}
			if err := runner.Ensure(ctx); err != nil {
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		store = postgres.New(pool)
		dbHealth = pool.Ping
	}

	var (
		locks   lease.Locker = lease.NewLocal()
		limiter              = httpx.NewMemoryRateLimiter()
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process leases and rate limits", "error", err)
		} else {
			locks = lease.NewRedis(client, "launchpad:lease:", cfg.LeaseTTL, log)
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(client, "launchpad:ratelimit:", log)
		}
	}

	sealer, err := crypto.NewSealer(cfg.EnvEncryptionKey)
	if err != nil {
		log.Error("failed to configure env encryption", "error", err)
		os.Exit(1)
	}
	engineClient, err := engineclient.New(cfg.EngineURL, nil)
	if err != nil {
		log.Error("failed to configure deploy engine client", "error", err)
		os.Exit(1)
	}
	workerClient, err := build.NewWorkerClient(cfg.WorkerURL, cfg.BuilderToken, nil)
	if err != nil {
		log.Error("failed to configure build worker client", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(log)
	defer hub.Close()

	projectSvc := project.New(store, engineClient, proxy.NewPolicy(cfg.ReservedSubdomains), sealer, project.Options{
		PortRangeStart: cfg.PortRangeStart,
		PortRangeEnd:   cfg.PortRangeEnd,
		ProbeTimeout:   cfg.EngineControlTimeout,
	}, log)
	deploymentSvc := deployment.New(store, projectSvc, engineClient, locks, hub, deployment.Options{
		Activate: retry.Policy{
			Attempts:  cfg.ActivateAttempts,
			BaseDelay: cfg.ActivateBaseDelay,
			Timeout:   cfg.ActivateTimeout,
		},
		ControlTimeout: cfg.EngineControlTimeout,
	}, log)
	buildSvc := build.New(store, projectSvc, workerClient, deploymentSvc, hub, retry.Policy{
		Attempts:  cfg.TriggerAttempts,
		BaseDelay: cfg.TriggerBaseDelay,
		Timeout:   cfg.TriggerTimeout,
	}, log)

	router := control.NewRouter(log, projectSvc, buildSvc, deploymentSvc, hub, limiter, control.Options{
		BuilderToken:    cfg.BuilderToken,
		BuildRateLimit:  cfg.BuildRateLimit,
		BuildRateWindow: cfg.BuildRateWindow,
	}, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr, "store", cfg.StoreBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
