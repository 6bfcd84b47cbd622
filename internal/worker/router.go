// Package worker exposes the build worker's trigger endpoint, which accepts a
// build job and places it on the job queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/queue"
)

const healthCheckTimeout = 2 * time.Second

// Enqueuer is the queue surface the router needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.BuildJob) error
	Counts(ctx context.Context) (waiting, active int64, err error)
}

// Router exposes HTTP endpoints for the build worker.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	queue    Enqueuer
	token    string
	metrics  *httpx.Metrics
	triggers *prometheus.CounterVec
}

// NewRouter creates and registers handlers. A non-empty token is required on
// POST /build as X-Builder-Token.
func NewRouter(logger *slog.Logger, q Enqueuer, token string) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		queue:    q,
		token:    token,
		metrics:  httpx.NewMetrics("worker", logger),
		triggers: httpx.NewCounter("worker", "build_triggers_total", "Number of build trigger outcomes", "outcome"),
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.metrics.Instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/build", r.metrics.Instrument("/build", httpx.RequireToken(r.token, r.logger, r.handleBuild)))
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var job domain.BuildJob
	if err := httpx.DecodeJSON(req, &job, false); err != nil {
		r.recordTrigger("invalid")
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := job.Validate(); err != nil {
		r.recordTrigger("invalid")
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := r.queue.Enqueue(req.Context(), job)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		r.recordTrigger("duplicate")
		r.logger.Info("build job already queued", "build_id", job.BuildID)
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "build_id": job.BuildID, "duplicate": true})
	case err != nil:
		r.recordTrigger("error")
		r.logger.Error("enqueue build job", "build_id", job.BuildID, "error", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "job queue unavailable")
	default:
		r.recordTrigger("queued")
		r.logger.Info("build job queued", "build_id", job.BuildID, "project_id", job.ProjectID)
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "build_id": job.BuildID})
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	status := "ok"
	component := map[string]any{"status": "up"}
	waiting, active, err := r.queue.Counts(ctx)
	if err != nil {
		status = "degraded"
		component = map[string]any{"status": "down", "error": err.Error()}
	} else {
		component["waiting"] = waiting
		component["active"] = active
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"queue": component},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) recordTrigger(outcome string) {
	r.triggers.With(prometheus.Labels{"outcome": outcome}).Inc()
}
