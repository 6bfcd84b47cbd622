package executor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/launchpad/internal/domain"
)

// ErrNoBuildOutput is returned when none of the expected output paths exist.
var ErrNoBuildOutput = errors.New("no build output found to package")

var (
	manifestFiles = []string{"package.json", "bun.lockb", "bun.lock", "package-lock.json", "pnpm-lock.yaml", "yarn.lock"}
	serverOutputs = []string{".next", "out"}
	serverExtras  = []string{"public", "next.config.mjs", "next.config.js", "next.config.ts"}
	staticOutputs = []string{"dist", "build", "out"}
)

// OutputPaths lists what gets packaged for a build, relative to dir.
// Server builds ship their build output plus manifest and lockfile; static
// builds ship the first output directory found.
func OutputPaths(dir string, kind domain.RuntimeKind) ([]string, error) {
	if kind == domain.RuntimeStatic {
		for _, candidate := range staticOutputs {
			if isDir(filepath.Join(dir, candidate)) {
				return []string{candidate}, nil
			}
		}
		return nil, ErrNoBuildOutput
	}

	var outputs []string
	for _, candidate := range serverOutputs {
		if exists(filepath.Join(dir, candidate)) {
			outputs = append(outputs, candidate)
		}
	}
	if len(outputs) == 0 {
		return nil, ErrNoBuildOutput
	}
	var paths []string
	for _, group := range [][]string{manifestFiles, serverExtras} {
		for _, candidate := range group {
			if exists(filepath.Join(dir, candidate)) {
				paths = append(paths, candidate)
			}
		}
	}
	return append(paths, outputs...), nil
}

// PackageManager is the tool used to install a project's dependencies.
type PackageManager struct {
	Name    string
	Install string
}

var lockfileManagers = []struct {
	file string
	pm   PackageManager
}{
	{"bun.lockb", PackageManager{Name: "bun", Install: "bun install"}},
	{"bun.lock", PackageManager{Name: "bun", Install: "bun install"}},
	{"pnpm-lock.yaml", PackageManager{Name: "pnpm", Install: "pnpm install --frozen-lockfile"}},
	{"yarn.lock", PackageManager{Name: "yarn", Install: "yarn install --frozen-lockfile"}},
	{"package-lock.json", PackageManager{Name: "npm", Install: "npm ci"}},
}

var defaultManager = PackageManager{Name: "bun", Install: "bun install"}

// DetectPackageManager honours the package.json "packageManager" field first,
// then lockfiles, and falls back to bun.
func DetectPackageManager(dir string) PackageManager {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var manifest struct {
			PackageManager string `json:"packageManager"`
		}
		if json.Unmarshal(data, &manifest) == nil && manifest.PackageManager != "" {
			name, _, _ := strings.Cut(manifest.PackageManager, "@")
			switch name {
			case "bun":
				return defaultManager
			case "pnpm":
				return PackageManager{Name: "pnpm", Install: "pnpm install"}
			case "yarn":
				return PackageManager{Name: "yarn", Install: "yarn install"}
			case "npm":
				return PackageManager{Name: "npm", Install: "npm install"}
			}
		}
	}
	for _, candidate := range lockfileManagers {
		if exists(filepath.Join(dir, candidate.file)) {
			return candidate.pm
		}
	}
	return defaultManager
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
