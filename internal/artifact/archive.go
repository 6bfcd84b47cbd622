package artifact

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// skipDirs are never shipped; dependencies are reinstalled on the host.
var skipDirs = map[string]bool{"node_modules": true, ".git": true}

// ErrUnsafePath is returned for archive entries that would land outside the destination.
var ErrUnsafePath = errors.New("artifact: unsafe path in archive")

// Pack writes a gzip-compressed tarball of paths (relative to root) to w.
func Pack(ctx context.Context, w io.Writer, root string, paths []string) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	for _, rel := range paths {
		start := filepath.Join(root, rel)
		err := filepath.WalkDir(start, func(file string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return addEntry(tw, root, file, d)
		})
		if err != nil {
			return fmt.Errorf("pack %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addEntry(tw *tar.Writer, root, file string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(file); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts a gzip-compressed tarball into dest, which must exist.
// Every write is checked against the directories as they exist on disk, so
// symlinks extracted earlier cannot redirect later entries outside dest.
func Unpack(ctx context.Context, r io.Reader, dest string) error {
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := checkOnDisk(root, target, hdr.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := prepareEntry(root, target, hdr.Name); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := prepareEntry(root, target, hdr.Name); err != nil {
				return err
			}
			if err := checkLink(root, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// devices, fifos and hard links have no place in a web build
		}
	}
}

// prepareEntry creates the parent of target after confirming it resolves
// inside root, and removes a symlink already sitting at target so the write
// cannot follow it.
func prepareEntry(root, target, name string) error {
	parent := filepath.Dir(target)
	if err := checkOnDisk(root, parent, name); err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(target)
	}
	return nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func safeJoin(root, name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" {
		return root, nil
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	if !within(root, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// checkOnDisk resolves the deepest existing ancestor of p (p included) through
// any symlinks and requires the result to stay inside root.
func checkOnDisk(root, p, name string) error {
	existing := p
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		next := filepath.Dir(existing)
		if next == existing {
			return fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
		existing = next
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsafePath, name, err)
	}
	if !within(root, resolved) {
		return fmt.Errorf("%w: %s resolves outside the destination", ErrUnsafePath, name)
	}
	return nil
}

// checkLink walks linkname from the symlink's real parent, following links
// already on disk. ".." after a component that does not exist yet is refused:
// a later entry could turn that component into a symlink and move the target.
func checkLink(root, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink %s", ErrUnsafePath, linkname)
	}
	cur, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return err
	}
	missing := false
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if missing {
				return fmt.Errorf("%w: symlink %s climbs out of a missing directory", ErrUnsafePath, linkname)
			}
			cur = filepath.Dir(cur)
		default:
			next := filepath.Join(cur, part)
			if missing {
				cur = next
				break
			}
			fi, err := os.Lstat(next)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				missing = true
				cur = next
			case err != nil:
				return err
			case fi.Mode()&fs.ModeSymlink != 0:
				resolved, err := filepath.EvalSymlinks(next)
				if err != nil {
					return fmt.Errorf("%w: symlink %s goes through a dangling link", ErrUnsafePath, linkname)
				}
				cur = resolved
			default:
				cur = next
			}
		}
		if !within(root, cur) {
			return fmt.Errorf("%w: symlink %s escapes", ErrUnsafePath, linkname)
		}
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
