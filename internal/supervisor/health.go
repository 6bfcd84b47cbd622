package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrUnhealthy indicates the spawned process never answered below 500.
var ErrUnhealthy = errors.New("supervisor: process did not become healthy")

// HealthPolicy bounds the post-spawn readiness poll.
type HealthPolicy struct {
	Retries  int
	Interval time.Duration
	Timeout  time.Duration
}

// WaitHealthy polls http://localhost:port until any non-5xx answer.
func WaitHealthy(ctx context.Context, client *http.Client, port int, p HealthPolicy) error {
	url := "http://localhost:" + strconv.Itoa(port) + "/"
	var lastErr error
	for i := 0; i < p.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Interval):
			}
		}
		status, err := probe(ctx, client, url, p.Timeout)
		if err == nil && status < http.StatusInternalServerError {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
		}
	}
	return fmt.Errorf("%w on port %d after %d checks: %v", ErrUnhealthy, port, p.Retries, lastErr)
}

func probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// PortAvailable reports whether the port can be bound right now.
func PortAvailable(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
