// Package logstream batches build log output per build id and ships it to the
// control plane when a size threshold or an idle timer is reached.
package logstream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultThreshold = 2048
	DefaultInterval  = 500 * time.Millisecond
)

// Sender delivers one chunk of log text for a build.
type Sender interface {
	SendLogs(ctx context.Context, buildID, chunk string) error
}

// Options tunes flushing.
type Options struct {
	Threshold   int
	Interval    time.Duration
	SendTimeout time.Duration
}

// Coordinator owns every in-flight build log buffer.
type Coordinator struct {
	sender Sender
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	buf   strings.Builder
	timer *time.Timer
	// send serializes delivery so chunks arrive in write order.
	send sync.Mutex
}

// New returns a Coordinator using sender for delivery.
func New(sender Sender, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{sender: sender, opts: opts, logger: logger, entries: make(map[string]*entry)}
}

// Write buffers text for buildID. Reaching the threshold flushes synchronously;
// otherwise the first unflushed byte arms the idle timer.
func (c *Coordinator) Write(buildID, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[buildID]
	if !ok {
		e = &entry{}
		c.entries[buildID] = e
	}
	wasEmpty := e.buf.Len() == 0
	e.buf.WriteString(text)
	full := e.buf.Len() >= c.opts.Threshold
	if full {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	} else if wasEmpty && e.timer == nil {
		e.timer = time.AfterFunc(c.opts.Interval, func() { c.flushEntry(buildID, e) })
	}
	c.mu.Unlock()

	if full {
		c.flushEntry(buildID, e)
	}
}

// Flush sends whatever is buffered for buildID.
func (c *Coordinator) Flush(buildID string) {
	c.mu.Lock()
	e, ok := c.entries[buildID]
	c.mu.Unlock()
	if ok {
		c.flushEntry(buildID, e)
	}
}

// EnsureFlushed drains the buffer for buildID and forgets it.
func (c *Coordinator) EnsureFlushed(buildID string) {
	c.mu.Lock()
	e, ok := c.entries[buildID]
	if ok {
		delete(c.entries, buildID)
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	c.mu.Unlock()
	if ok {
		c.flushEntry(buildID, e)
	}
}

// Pending reports how many builds still hold a buffer.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Coordinator) flushEntry(buildID string, e *entry) {
	e.send.Lock()
	defer e.send.Unlock()

	c.mu.Lock()
	chunk := e.buf.String()
	e.buf.Reset()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	c.mu.Unlock()

	if chunk == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	if err := c.sender.SendLogs(ctx, buildID, chunk); err != nil {
		c.logger.Warn("ship build logs", "build_id", buildID, "bytes", len(chunk), "error", err)
	}
}

// Writer adapts the coordinator to io.Writer for one build.
func (c *Coordinator) Writer(buildID string) *Writer {
	return &Writer{c: c, buildID: buildID}
}

// Writer forwards writes to a Coordinator.
type Writer struct {
	c       *Coordinator
	buildID string
}

func (w *Writer) Write(p []byte) (int, error) {
	w.c.Write(w.buildID, string(p))
	return len(p), nil
}
