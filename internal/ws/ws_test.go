package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/launchpad/pkg/logger"
)

type stubSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (s *stubSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.messages = append(s.messages, payload)
	return nil
}

func (s *stubSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubPublishesToProjectSubscribersOnly(t *testing.T) {
	hub := NewHub(logger.Discard())
	defer hub.Close()

	p1 := &stubSubscriber{}
	p2 := &stubSubscriber{}
	hub.Register("p1", p1)
	hub.Register("p2", p2)

	hub.Publish(Event{Type: EventBuildStatus, ProjectID: "p1", BuildID: "b1", Status: "building"})
	waitFor(t, func() bool { return p1.received() == 1 })
	if p2.received() != 0 {
		t.Fatalf("p2 must not receive p1 events")
	}

	var event Event
	if err := json.Unmarshal(p1.messages[0], &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != EventBuildStatus || event.BuildID != "b1" || event.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(logger.Discard())
	defer hub.Close()

	bad := &stubSubscriber{fail: true}
	hub.Register("p1", bad)
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	hub.Publish(Event{Type: EventBuildLog, ProjectID: "p1", Logs: "hello"})
	waitFor(t, func() bool { return hub.Subscribers() == 0 })
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.closed {
		t.Fatalf("failing subscriber should be closed")
	}
}

func TestWebsocketClientReceivesEvents(t *testing.T) {
	hub := NewHub(logger.Discard())
	defer hub.Close()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register("p1", NewClient(conn, logger.Discard()))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Subscribers() == 1 })

	hub.Publish(Event{Type: EventDeploymentStatus, ProjectID: "p1", DeploymentID: "d1", Status: "active"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"deployment_id":"d1"`) {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestSSEClientFormatsEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, logger.Discard())
	if err := client.Send([]byte(`{"type":"build_log"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "id: 1\nevent: build_log\ndata: {\"type\":\"build_log\"}\n\n: keepalive\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected frames %q", got)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
	if err := client.Send([]byte("x")); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}
