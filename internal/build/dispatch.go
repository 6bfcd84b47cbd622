package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/retry"
)

// TriggerError is a non-2xx response from the build worker.
type TriggerError struct {
	Code    int
	Message string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("build worker returned %d: %s", e.Code, e.Message)
}

// WorkerClient posts jobs to a build worker's trigger endpoint.
type WorkerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewWorkerClient targets the worker at baseURL. Per-attempt deadlines come
// from the caller's context.
func NewWorkerClient(baseURL, builderToken string, client *http.Client) (*WorkerClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("build worker url required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &WorkerClient{baseURL: trimmed, token: strings.TrimSpace(builderToken), client: client}, nil
}

// Dispatch hands job to the worker. 4xx answers are marked permanent.
func (c *WorkerClient) Dispatch(ctx context.Context, job domain.BuildJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal build job: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/build", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build worker request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Builder-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact build worker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
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
	terr := &TriggerError{Code: resp.StatusCode, Message: message}
	if resp.StatusCode < http.StatusInternalServerError {
		return retry.Permanent(terr)
	}
	return terr
}
