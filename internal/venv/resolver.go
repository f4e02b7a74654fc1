// Package venv resolves the Python virtual environment that governs a
// given file, by walking parent directories upward for a .venv bounded
// by the enclosing git repository's top level (spec.md §4.3).
package venv

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Resolver finds the .venv directory that should back a given document,
// bounded by a git top-level computed once at startup.
type Resolver struct {
	gitTopLevel string // empty if not inside a git repository
}

// NewResolver computes the git top-level for startDir once (or the
// filesystem root if startDir is not inside a git repository), per
// spec.md §4.3.
func NewResolver(startDir string) *Resolver {
	return &Resolver{gitTopLevel: gitTopLevel(startDir)}
}

// gitTopLevel shells out to `git rev-parse --show-toplevel`. Returns ""
// if dir is not inside a git repository (the walk is then bounded only
// by the filesystem root).
func gitTopLevel(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Resolve walks parents of p upward until a directory D is found with
// D/.venv/pyvenv.cfg existing as a readable regular file (returning
// D/.venv), or the walk passes the git top-level / filesystem root
// (returning "", false).
func (r *Resolver) Resolve(p string) (string, bool) {
	dir := p
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		dir = filepath.Dir(p)
	} else if err != nil {
		dir = filepath.Dir(p)
	}
	dir = filepath.Clean(dir)

	for {
		candidate := filepath.Join(dir, ".venv")
		if isPyvenv(candidate) {
			return candidate, true
		}

		if r.atOrPastBoundary(dir) {
			return "", false
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false // reached filesystem root
		}
		dir = parent
	}
}

// atOrPastBoundary reports whether dir is the git top-level (the walk
// must still check dir itself before stopping, so this is checked after
// the candidate test for dir).
func (r *Resolver) atOrPastBoundary(dir string) bool {
	if r.gitTopLevel == "" {
		return false
	}
	return filepath.Clean(dir) == filepath.Clean(r.gitTopLevel)
}

// isPyvenv reports whether venvDir/pyvenv.cfg exists as a readable
// regular file. Symlinks are followed by the OS (os.Stat); a .venv that
// is itself a symlink to a nonexistent pyvenv.cfg simply fails this
// check, which is accepted behavior per spec.md §4.3.
func isPyvenv(venvDir string) bool {
	cfg := filepath.Join(venvDir, "pyvenv.cfg")
	fi, err := os.Stat(cfg)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(cfg)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// ResolveFallback implements the pre-spawn fallback resolution used only
// for the proactively-spawned startup backend (spec.md §4.3): try
// <git-top-level>/.venv, then <cwd>/.venv. Returns "", false if neither
// exists.
func (r *Resolver) ResolveFallback(cwd string) (string, bool) {
	if r.gitTopLevel != "" {
		candidate := filepath.Join(r.gitTopLevel, ".venv")
		if isPyvenv(candidate) {
			return candidate, true
		}
	}
	candidate := filepath.Join(cwd, ".venv")
	if isPyvenv(candidate) {
		return candidate, true
	}
	return "", false
}

// GitTopLevel returns the computed git top-level, or "" if none.
func (r *Resolver) GitTopLevel() string { return r.gitTopLevel }

// ErrNoVenv is a sentinel for strict-mode callers that want to
// distinguish "resolution failed" from other errors.
var ErrNoVenv = errors.New("venv: no .venv found")
