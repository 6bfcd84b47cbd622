package staticserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestHandlerSPAFallback(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html":      "root",
		"assets/app.js":   "js",
		"docs/index.html": "docs",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		_ = os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	srv := httptest.NewServer(Handler(dir))
	defer srv.Close()

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "root"},
		{"/assets/app.js", http.StatusOK, "js"},
		{"/docs", http.StatusOK, "docs"},
		{"/dashboard/settings", http.StatusOK, "root"},
		{"/missing.png", http.StatusNotFound, ""},
		{"/api/users", http.StatusNotFound, ""},
		{"/../../etc/passwd", http.StatusOK, "root"},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.status, resp.StatusCode)
		}
		if tc.body != "" && string(body) != tc.body {
			t.Fatalf("%s: expected body %q, got %q", tc.path, tc.body, body)
		}
	}
}

func TestHandlerWithoutIndex(t *testing.T) {
	srv := httptest.NewServer(Handler(t.TempDir()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/about")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without index.html, got %d", resp.StatusCode)
	}
}
