package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams hub events as server-sent events. Each frame carries an
// increasing id and the event type, so browsers can addEventListener per type.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	closed  bool
	done    chan struct{}
}

// NewSSEClient wraps a response writer that supports flushing.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger, done: make(chan struct{})}
}

// Send writes one event frame.
func (c *SSEClient) Send(payload []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)
	return c.write(func(w io.Writer, seq uint64) error {
		if head.Type == "" {
			_, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", seq, payload)
			return err
		}
		_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, head.Type, payload)
		return err
	})
}

// Heartbeat writes a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.write(func(w io.Writer, _ uint64) error {
		_, err := io.WriteString(w, ": keepalive\n\n")
		return err
	})
}

func (c *SSEClient) write(frame func(io.Writer, uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	c.seq++
	if err := frame(c.w, c.seq); err != nil {
		c.shutdown()
		c.log.Warn("event stream write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close ends the stream; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown()
}

func (c *SSEClient) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the stream has ended.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
