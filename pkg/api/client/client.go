package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ws"
)

// DefaultBaseURL is used when no control API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the control API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	// Body is the raw response, kept for 502 responses that carry the failed record.
	Body []byte
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return APIError{Status: resp.StatusCode, Message: extractError(data), Body: data}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// CreateProjectInput is the payload for registering a project.
type CreateProjectInput struct {
	Name          string `json:"name"`
	RepoURL       string `json:"repo_url"`
	Branch        string `json:"branch,omitempty"`
	RootDirectory string `json:"root_directory,omitempty"`
	BuildCommand  string `json:"build_command"`
	RuntimeKind   string `json:"runtime_kind,omitempty"`
	Subdomain     string `json:"subdomain,omitempty"`
}

// CreateProject registers a project and returns it with its assigned port.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// ListProjects returns every registered project.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches a single project.
func (c *Client) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &project); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// DeleteProject stops and removes a project with all of its builds and artifacts.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil)
}

// SetEnvVar stores an environment variable for the project.
func (c *Client) SetEnvVar(ctx context.Context, projectID, key, value string) error {
	body := map[string]string{"key": key, "value": value}
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(projectID)+"/env", body, nil)
}

// EnvKeys lists the names of the project's environment variables.
func (c *Client) EnvKeys(ctx context.Context, projectID string) ([]string, error) {
	var resp struct {
		Keys []string `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/env", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// TriggerBuild starts a build. When dispatch fails the returned error is an
// APIError and the build, already marked failed, is returned alongside it.
func (c *Client) TriggerBuild(ctx context.Context, projectID string) (domain.Build, error) {
	var build domain.Build
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/builds", nil, &build)
	if err != nil {
		var failed struct {
			Build domain.Build `json:"build"`
		}
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway && json.Unmarshal(apiErr.Body, &failed) == nil {
			return failed.Build, err
		}
		return domain.Build{}, err
	}
	return build, nil
}

// ListBuilds returns the most recent builds of a project without their logs.
func (c *Client) ListBuilds(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	var builds []domain.Build
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/builds"+limitQuery(limit), nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// GetBuild fetches a build including its accumulated logs.
func (c *Client) GetBuild(ctx context.Context, buildID string) (domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, &build); err != nil {
		return domain.Build{}, err
	}
	return build, nil
}

// ActivateBuild deploys a successful build, replacing the active deployment.
func (c *Client) ActivateBuild(ctx context.Context, buildID string) (domain.Deployment, error) {
	var dep domain.Deployment
	if err := c.do(ctx, http.MethodPost, "/builds/"+url.PathEscape(buildID)+"/activate", nil, &dep); err != nil {
		return domain.Deployment{}, err
	}
	return dep, nil
}

// ListDeployments returns the project's deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	var deps []domain.Deployment
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/deployments"+limitQuery(limit), nil, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// ActiveDeployment returns the deployment currently serving the project.
func (c *Client) ActiveDeployment(ctx context.Context, projectID string) (domain.Deployment, error) {
	var dep domain.Deployment
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/deployments/active", nil, &dep); err != nil {
		return domain.Deployment{}, err
	}
	return dep, nil
}

// StopProject stops the active deployment of a project.
func (c *Client) StopProject(ctx context.Context, projectID string) (domain.Deployment, error) {
	var dep domain.Deployment
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/stop", nil, &dep); err != nil {
		return domain.Deployment{}, err
	}
	return dep, nil
}

// Watch streams project events over the websocket endpoint until ctx is
// cancelled, fn returns false or the connection drops.
func (c *Client) Watch(ctx context.Context, projectID string, fn func(ws.Event) bool) error {
	endpoint, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return err
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.RawQuery = url.Values{"project_id": {projectID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return APIError{Status: resp.StatusCode, Message: "websocket upgrade rejected"}
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var event ws.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !fn(event) {
			return nil
		}
	}
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
