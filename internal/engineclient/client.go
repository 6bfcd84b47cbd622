// Package engineclient calls the deploy engine over HTTP.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/splax/launchpad/internal/engine"
)

const maxErrorBodySize = 4096

// StatusError is a non-2xx engine response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("deploy engine returned %d: %s", e.Code, e.Message)
}

// IsClientError reports whether err is a 4xx engine response, which retrying
// cannot fix.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// Client talks to one deploy engine. Timeouts come from the caller's context.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the engine at baseURL.
func New(baseURL string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("deploy engine url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse deploy engine url: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{baseURL: trimmed, client: client}, nil
}

// Activate asks the engine to cut a project over to a build.
func (c *Client) Activate(ctx context.Context, req engine.ActivateRequest) error {
	return c.postJSON(ctx, "/activate", req, nil)
}

// Stop terminates whatever serves the given port.
func (c *Client) Stop(ctx context.Context, req engine.StopRequest) error {
	return c.postJSON(ctx, "/stop", req, nil)
}

// DeleteProject removes the project's host state and returns cleanup warnings.
func (c *Client) DeleteProject(ctx context.Context, projectID string, req engine.DeleteRequest) ([]string, error) {
	var resp struct {
		Warnings []string `json:"warnings"`
	}
	if err := c.postJSON(ctx, "/projects/"+url.PathEscape(projectID)+"/delete", req, &resp); err != nil {
		return nil, err
	}
	return resp.Warnings, nil
}

// PortAvailable asks the engine whether port is free on its host.
func (c *Client) PortAvailable(ctx context.Context, port int) (bool, error) {
	var resp struct {
		Available bool `json:"available"`
	}
	if err := c.postJSON(ctx, "/ports/check", map[string]int{"port": port}, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// UploadArtifact streams a compressed archive for buildID.
func (c *Client) UploadArtifact(ctx context.Context, buildID string, body io.Reader) error {
	endpoint := c.baseURL + "/artifacts/upload?buildId=" + url.QueryEscape(buildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")
	return c.do(req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal engine request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deploy engine %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	message := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = resp.Status
	}
	return &StatusError{Code: resp.StatusCode, Message: message}
}
