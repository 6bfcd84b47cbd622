// Package control exposes the control plane HTTP API: projects, builds,
// deployments, worker callbacks and the project event stream.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/deployment"
	"github.com/splax/launchpad/internal/httpx"
	"github.com/splax/launchpad/internal/project"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 100
)

// Options configures the build trigger rate limit and callback token.
type Options struct {
	BuilderToken    string
	BuildRateLimit  int
	BuildRateWindow time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	projects    project.Service
	builds      *build.Service
	deployments *deployment.Service
	hub         *ws.Hub
	limiter     httpx.RateLimiter
	opts        Options
	dbHealth    func(context.Context) error
	upgrader    websocket.Upgrader
	metrics     *httpx.Metrics
}

// NewRouter assembles routes with dependencies. A nil limiter falls back to
// an in-process one.
func NewRouter(logger *slog.Logger, projects project.Service, builds *build.Service, deployments *deployment.Service, hub *ws.Hub, limiter httpx.RateLimiter, opts Options, dbHealth func(context.Context) error) *Router {
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		projects:    projects,
		builds:      builds,
		deployments: deployments,
		hub:         hub,
		limiter:     limiter,
		opts:        opts,
		dbHealth:    dbHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: httpx.NewMetrics("control", logger),
	}
	r.routes()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	r.limiter.Close()
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.metrics.Instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/projects", r.metrics.Instrument("/projects", r.handleProjects))
	r.mux.HandleFunc("/projects/", r.metrics.Instrument("/projects/{id}", r.handleProjectSubroutes))
	r.mux.HandleFunc("/builds/", r.metrics.Instrument("/builds/{id}", r.handleBuildSubroutes))
	r.mux.HandleFunc("/ws", r.metrics.Instrument("/ws", r.handleWS))
	r.mux.HandleFunc("/events", r.metrics.Instrument("/events", r.handleEvents))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.List(req.Context())
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var payload project.CreateInput
		if err := httpx.DecodeJSON(req, &payload, false); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		proj, err := r.projects.Create(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, proj)
	default:
		httpx.MethodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		httpx.NotFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "env":
		r.handleProjectEnv(w, req, projectID)
	case len(parts) == 2 && parts[1] == "builds":
		r.handleProjectBuilds(w, req, projectID)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleProjectDeployments(w, req, projectID)
	case len(parts) == 3 && parts[1] == "deployments" && parts[2] == "active":
		r.handleActiveDeployment(w, req, projectID)
	case len(parts) == 2 && parts[1] == "stop":
		r.handleStop(w, req, projectID)
	default:
		httpx.NotFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.deployments.DeleteProject(req.Context(), projectID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		httpx.MethodNotAllowed(w)
	}
}

func (r *Router) handleProjectEnv(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		keys, err := r.projects.EnvKeys(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPut, http.MethodPost:
		var payload project.EnvVarInput
		if err := httpx.DecodeJSON(req, &payload, false); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload.ProjectID = projectID
		if err := r.projects.SetEnvVar(req.Context(), payload); err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	default:
		httpx.MethodNotAllowed(w)
	}
}

func (r *Router) handleProjectBuilds(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		builds, err := r.builds.ListByProject(req.Context(), projectID, listLimit(req))
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		for i := range builds {
			builds[i].Logs = ""
		}
		httpx.WriteJSON(w, http.StatusOK, builds)
	case http.MethodPost:
		key := func(*http.Request) string { return "builds:" + projectID }
		httpx.RateLimit(r.limiter, r.opts.BuildRateLimit, r.opts.BuildRateWindow, key, r.triggerBuild(projectID))(w, req)
	default:
		httpx.MethodNotAllowed(w)
	}
}

func (r *Router) triggerBuild(projectID string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, err := r.builds.Trigger(req.Context(), projectID)
		if errors.Is(err, build.ErrTriggerFailed) && b != nil {
			httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "build": b})
			return
		}
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, b)
	}
}

func (r *Router) handleProjectDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	deps, err := r.deployments.List(req.Context(), projectID, listLimit(req))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, deps)
}

func (r *Router) handleActiveDeployment(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	dep, err := r.deployments.Active(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dep)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	dep, err := r.deployments.Stop(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dep)
}

func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/builds/"), "/")
	parts := strings.Split(trimmed, "/")
	buildID := parts[0]
	if buildID == "" {
		httpx.NotFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleBuild(w, req, buildID)
	case len(parts) == 2 && parts[1] == "logs":
		httpx.RequireToken(r.opts.BuilderToken, r.logger, func(w http.ResponseWriter, req *http.Request) {
			r.handleBuildLogs(w, req, buildID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "activate":
		r.handleBuildActivate(w, req, buildID)
	default:
		httpx.NotFound(w)
	}
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, buildID string) {
	switch req.Method {
	case http.MethodGet:
		b, err := r.builds.Get(req.Context(), buildID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, b)
	case http.MethodPut:
		httpx.RequireToken(r.opts.BuilderToken, r.logger, func(w http.ResponseWriter, req *http.Request) {
			var payload build.StatusUpdate
			if err := httpx.DecodeJSON(req, &payload, false); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			b, err := r.builds.HandleStatus(req.Context(), buildID, payload)
			if err != nil {
				r.writeServiceError(w, err)
				return
			}
			b.Logs = ""
			httpx.WriteJSON(w, http.StatusOK, b)
		})(w, req)
	default:
		httpx.MethodNotAllowed(w)
	}
}

func (r *Router) handleBuildLogs(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	var payload struct {
		Logs string `json:"logs"`
	}
	if err := httpx.DecodeJSON(req, &payload, false); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.builds.AppendLogs(req.Context(), buildID, payload.Logs); err != nil {
		r.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleBuildActivate(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodPost {
		httpx.MethodNotAllowed(w)
		return
	}
	dep, err := r.builds.Activate(req.Context(), buildID)
	if err != nil {
		if errors.Is(err, deployment.ErrActivationFailed) && dep != nil {
			httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "deployment": dep})
			return
		}
		r.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dep)
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(projectID, client)
	defer func() {
		r.hub.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httpx.MethodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.hub != nil {
		components["subscribers"] = r.hub.Subscribers()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "error", err)
	}
	httpx.WriteError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, deployment.ErrNoActiveDeployment):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, deployment.ErrBuildNotReady),
		errors.Is(err, build.ErrNotActivatable):
		return http.StatusConflict
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, project.ErrInvalidInput),
		errors.Is(err, build.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, project.ErrNoFreePort):
		return http.StatusServiceUnavailable
	case errors.Is(err, build.ErrTriggerFailed), errors.Is(err, deployment.ErrActivationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func listLimit(req *http.Request) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
