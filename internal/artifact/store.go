// Package artifact packs build output into gzip tarballs and stores them on the
// deploy host keyed by build id.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var (
	// ErrNotFound indicates no artifact exists for the build.
	ErrNotFound = errors.New("artifact: not found")
	// ErrInvalidBuildID rejects ids that are unsafe as file names.
	ErrInvalidBuildID = errors.New("artifact: invalid build id")
	// ErrTooLarge indicates an upload exceeded the configured limit.
	ErrTooLarge = errors.New("artifact: upload too large")
)

var buildIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidBuildID reports whether id is safe to use as an artifact key.
func ValidBuildID(id string) bool {
	return buildIDPattern.MatchString(id)
}

// Store keeps artifacts under <base>/artifacts/<build>.tar.gz.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore prepares the artifacts directory under baseDir.
func NewStore(baseDir string, maxBytes int64) (*Store, error) {
	dir := filepath.Join(baseDir, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Path returns the archive path for a build.
func (s *Store) Path(buildID string) (string, error) {
	if !ValidBuildID(buildID) {
		return "", ErrInvalidBuildID
	}
	return filepath.Join(s.dir, buildID+".tar.gz"), nil
}

// Save streams r to disk, replacing any previous artifact for the build only
// once the upload completed.
func (s *Store) Save(ctx context.Context, buildID string, r io.Reader) (int64, error) {
	dst, err := s.Path(buildID)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(s.dir, "."+buildID+"-*.partial")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: src})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write artifact: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return n, ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("commit artifact: %w", err)
	}
	return n, nil
}

// Exists reports whether an artifact is stored for the build.
func (s *Store) Exists(buildID string) bool {
	p, err := s.Path(buildID)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Open returns a reader for the build's archive.
func (s *Store) Open(buildID string) (io.ReadCloser, error) {
	p, err := s.Path(buildID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes the build's archive. Missing artifacts are not an error.
func (s *Store) Delete(buildID string) error {
	p, err := s.Path(buildID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Extract unpacks the build's archive into dest. dest is replaced as a whole:
// the archive lands in a sibling temp dir that is renamed into place.
func (s *Store) Extract(ctx context.Context, buildID, dest string) error {
	rc, err := s.Open(buildID)
	if err != nil {
		return err
	}
	defer rc.Close()

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := Unpack(ctx, rc, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("extract %s: %w", buildID, err)
	}
	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
