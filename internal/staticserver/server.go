// Package staticserver serves a build output directory with single-page-app
// fallback. The deploy engine spawns it as a separate process per project.
package staticserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// Handler serves files from dir. Unknown paths without an extension that are
// not under /api get index.html; everything else that is missing is a 404.
func Handler(dir string) http.Handler {
	root := http.Dir(dir)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p := path.Clean("/" + r.URL.Path)
		if p == "/" {
			p = "/index.html"
		}
		if serveFile(w, r, root, p) {
			return
		}
		if serveFile(w, r, root, path.Join(p, "index.html")) {
			return
		}
		if !strings.HasPrefix(p, "/api") && !strings.Contains(p, ".") {
			if serveFile(w, r, root, "/index.html") {
				return
			}
		}
		http.Error(w, "Not Found", http.StatusNotFound)
	})
}

func serveFile(w http.ResponseWriter, r *http.Request, root http.Dir, name string) bool {
	f, err := root.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// Serve listens on port until ctx is cancelled.
func Serve(ctx context.Context, dir string, port int, logger *slog.Logger) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           Handler(dir),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("static server listening", "dir", dir, "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
