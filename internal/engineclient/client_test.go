package engineclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/engine"
)

func TestActivateSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req engine.ActivateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.ProjectID != "p1" || req.BuildID != "b1" || req.Port != 8001 || req.RuntimeKind != domain.RuntimeServer {
			t.Fatalf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Activate(context.Background(), engine.ActivateRequest{ProjectID: "p1", BuildID: "b1", Port: 8001, RuntimeKind: domain.RuntimeServer})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	code := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"proxy: invalid subdomain"}`))
	}))
	defer srv.Close()
	client, _ := New(srv.URL, nil)

	err := client.Stop(context.Background(), engine.StopRequest{Port: 8001})
	if !IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid subdomain") {
		t.Fatalf("expected engine message in error, got %v", err)
	}

	code = http.StatusBadGateway
	err = client.Stop(context.Background(), engine.StopRequest{Port: 8001})
	if err == nil || IsClientError(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPortAvailableAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ports/check":
			_, _ = w.Write([]byte(`{"available":true}`))
		case "/projects/p1/delete":
			_, _ = w.Write([]byte(`{"success":true,"warnings":["stop: boom"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	client, _ := New(srv.URL, nil)

	ok, err := client.PortAvailable(context.Background(), 8001)
	if err != nil || !ok {
		t.Fatalf("expected available, got %v %v", ok, err)
	}
	warnings, err := client.DeleteProject(context.Background(), "p1", engine.DeleteRequest{Port: 8001})
	if err != nil || len(warnings) != 1 {
		t.Fatalf("unexpected delete result %v %v", warnings, err)
	}
}

func TestUploadArtifactStreamsBody(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("buildId") != "b1" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		data, _ := io.ReadAll(r.Body)
		got = string(data)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	client, _ := New(srv.URL, nil)

	if err := client.UploadArtifact(context.Background(), "b1", strings.NewReader("tarball")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got != "tarball" {
		t.Fatalf("unexpected body %q", got)
	}
}
