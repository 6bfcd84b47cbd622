package logstream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/pkg/logger"
)

type recordingSender struct {
	mu     sync.Mutex
	chunks []string
	at     []time.Time
}

func (r *recordingSender) SendLogs(_ context.Context, _ string, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	r.at = append(r.at, time.Now())
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func TestFlushOnThreshold(t *testing.T) {
	sender := &recordingSender{}
	c := New(sender, Options{Threshold: 10, Interval: time.Hour}, logger.Discard())

	c.Write("b1", "12345")
	if got := sender.snapshot(); len(got) != 0 {
		t.Fatalf("expected no send below threshold, got %v", got)
	}
	c.Write("b1", "67890")
	got := sender.snapshot()
	if len(got) != 1 || got[0] != "1234567890" {
		t.Fatalf("expected one threshold flush, got %v", got)
	}
}

func TestFlushOnIdleTimer(t *testing.T) {
	sender := &recordingSender{}
	c := New(sender, Options{Threshold: 1 << 20, Interval: 30 * time.Millisecond}, logger.Discard())

	start := time.Now()
	c.Write("b1", "line one\n")
	c.Write("b1", "line two\n")

	deadline := time.Now().Add(time.Second)
	for len(sender.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timer flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sender.snapshot()
	if got[0] != "line one\nline two\n" {
		t.Fatalf("unexpected chunk %q", got[0])
	}
	sender.mu.Lock()
	elapsed := sender.at[0].Sub(start)
	sender.mu.Unlock()
	if elapsed < 30*time.Millisecond {
		t.Fatalf("flushed too early: %v", elapsed)
	}
}

func TestEnsureFlushedDrainsAndForgets(t *testing.T) {
	sender := &recordingSender{}
	c := New(sender, Options{Threshold: 1 << 20, Interval: time.Hour}, logger.Discard())

	c.Write("b1", "tail")
	c.Write("b2", "other")
	c.EnsureFlushed("b1")

	got := sender.snapshot()
	if len(got) != 1 || got[0] != "tail" {
		t.Fatalf("expected final flush of b1, got %v", got)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected only b2 buffered, got %d", c.Pending())
	}
	c.EnsureFlushed("b1")
	if len(sender.snapshot()) != 1 {
		t.Fatalf("second EnsureFlushed must be a no-op")
	}
}

func TestChunksPreserveOrder(t *testing.T) {
	sender := &recordingSender{}
	c := New(sender, Options{Threshold: 4, Interval: time.Millisecond}, logger.Discard())

	var want strings.Builder
	for i := 0; i < 200; i++ {
		s := string(rune('a' + i%26))
		want.WriteString(s)
		c.Write("b1", s)
	}
	c.EnsureFlushed("b1")
	if got := strings.Join(sender.snapshot(), ""); got != want.String() {
		t.Fatalf("chunks reordered:\n got %q\nwant %q", got, want.String())
	}
}
