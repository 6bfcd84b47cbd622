package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/artifact"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/proxy"
	"github.com/splax/launchpad/internal/supervisor"
)

const healthCheckTimeout = 2 * time.Second

// Router exposes the engine's HTTP endpoints.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	svc         *Service
	metrics     *httpx.Metrics
	activations *prometheus.CounterVec
	uploads     *prometheus.CounterVec
}

// NewRouter creates and registers handlers.
func NewRouter(logger *slog.Logger, svc *Service) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		svc:         svc,
		metrics:     httpx.NewMetrics("engine", logger),
		activations: httpx.NewCounter("engine", "activations_total", "Number of activation outcomes", "outcome"),
		uploads:     httpx.NewCounter("engine", "artifact_uploads_total", "Number of artifact upload outcomes", "outcome"),
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
	r.mux.HandleFunc("/artifacts/upload", r.metrics.Instrument("/artifacts/upload", r.handleUpload))
	r.mux.HandleFunc("/activate", r.metrics.Instrument("/activate", r.handleActivate))
	r.mux.HandleFunc("/stop", r.metrics.Instrument("/stop", r.handleStop))
	r.mux.HandleFunc("/ports/check", r.metrics.Instrument("/ports/check", r.handlePortCheck))
	r.mux.HandleFunc("/projects/", r.metrics.Instrument("/projects/:id/delete", r.handleProjectDelete))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if err := r.svc.Health(ctx); err != nil {
		status = "degraded"
		component = map[string]any{"status": "down", "error": err.Error()}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"filesystem": component},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	buildID := strings.TrimSpace(req.URL.Query().Get("buildId"))
	if buildID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "buildId query parameter required")
		return
	}
	n, err := r.svc.Upload(req.Context(), buildID, req.Body)
	if err != nil {
		r.uploads.With(prometheus.Labels{"outcome": "error"}).Inc()
		r.logger.Error("artifact upload failed", "build_id", buildID, "error", err)
		httpx.WriteError(w, statusFor(err), err.Error())
		return
	}
	r.uploads.With(prometheus.Labels{"outcome": "stored"}).Inc()
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"success": true, "buildId": buildID, "size": n})
}

func (r *Router) handleActivate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var payload ActivateRequest
	if err := httpx.DecodeJSON(req, &payload, false); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.svc.Activate(req.Context(), payload); err != nil {
		r.activations.With(prometheus.Labels{"outcome": "failed"}).Inc()
		r.logger.Error("activation failed", "project_id", payload.ProjectID, "build_id", payload.BuildID, "error", err)
		httpx.WriteError(w, statusFor(err), err.Error())
		return
	}
	r.activations.With(prometheus.Labels{"outcome": "active"}).Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var payload StopRequest
	if err := httpx.DecodeJSON(req, &payload, false); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.svc.Stop(req.Context(), payload); err != nil {
		r.logger.Error("stop failed", "project_id", payload.ProjectID, "port", payload.Port, "error", err)
		httpx.WriteError(w, statusFor(err), err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Router) handlePortCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var payload struct {
		Port int `json:"port"`
	}
	if err := httpx.DecodeJSON(req, &payload, false); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	available, err := r.svc.PortAvailable(payload.Port)
	if err != nil {
		httpx.WriteError(w, statusFor(err), err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"available": available})
}

func (r *Router) handleProjectDelete(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "delete" {
		httpx.NotFound(w)
		return
	}
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var payload DeleteRequest
	if err := httpx.DecodeJSON(req, &payload, true); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	warnings, err := r.svc.DeleteProject(req.Context(), parts[0], payload)
	if err != nil {
		httpx.WriteError(w, statusFor(err), err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "warnings": warnings})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, artifact.ErrInvalidBuildID),
		errors.Is(err, supervisor.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrArtifactMissing), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, artifact.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, proxy.ErrInvalidSubdomain),
		errors.Is(err, proxy.ErrConfigInvalid),
		errors.Is(err, supervisor.ErrNoServable),
		errors.Is(err, artifact.ErrUnsafePath):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrSelfOwnedPort):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
