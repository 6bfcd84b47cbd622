package callback

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
	"time"

	"github.com/splax/launchpad/internal/domain"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the control plane rejected the builder token.
var ErrUnauthorized = errors.New("build callback unauthorized")

// ErrInvalidArgument indicates the control plane rejected the payload.
var ErrInvalidArgument = errors.New("build callback invalid argument")

// ErrNotFound indicates the control plane does not know the build.
var ErrNotFound = errors.New("build callback build not found")

// ErrConflict indicates the reported status is not a legal transition.
var ErrConflict = errors.New("build callback conflict")

// StatusUpdate is the body of a build status callback.
type StatusUpdate struct {
	Status     domain.BuildStatus `json:"status"`
	ArtifactID string             `json:"artifact_id,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// LogChunk is the body of a build log callback.
type LogChunk struct {
	Logs string `json:"logs"`
}

// Reporter pushes build status and log chunks back to the control plane.
type Reporter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewReporter creates a reporter for the control plane at baseURL.
func NewReporter(baseURL, builderToken string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("build callback base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{
		baseURL: trimmed,
		token:   strings.TrimSpace(builderToken),
		client:  client,
	}, nil
}

// UpdateStatus reports a build status transition.
func (r *Reporter) UpdateStatus(ctx context.Context, buildID string, update StatusUpdate) error {
	return r.send(ctx, http.MethodPut, "/builds/"+url.PathEscape(buildID), update)
}

// SendLogs appends a chunk of build output. It satisfies logstream.Sender.
func (r *Reporter) SendLogs(ctx context.Context, buildID, chunk string) error {
	if chunk == "" {
		return nil
	}
	return r.send(ctx, http.MethodPost, "/builds/"+url.PathEscape(buildID)+"/logs", LogChunk{Logs: chunk})
}

func (r *Reporter) send(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("X-Builder-Token", r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, summary)
	default:
		return fmt.Errorf("build callback failed: %s", summary)
	}
}
