package venv

import (
	"os"
	"path/filepath"
	"testing"
)

func mustMkdirAll(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", p, err)
	}
}

func writePyvenvCfg(t *testing.T, venvDir string) {
	t.Helper()
	mustMkdirAll(t, venvDir)
	if err := os.WriteFile(filepath.Join(venvDir, "pyvenv.cfg"), []byte("home = /usr/bin\n"), 0o644); err != nil {
		t.Fatalf("write pyvenv.cfg: %v", err)
	}
}

// fakeGitRepo creates repo/.git (marker only, no real git metadata needed
// since the resolver in these tests is given an explicit top-level).
func fakeGitRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, ".git"))
	return root
}

func TestResolveFindsNearestVenv(t *testing.T) {
	root := fakeGitRepo(t)
	writePyvenvCfg(t, filepath.Join(root, "a", ".venv"))

	deep := filepath.Join(root, "a", "b", "c")
	mustMkdirAll(t, deep)
	file := filepath.Join(deep, "main.py")
	os.WriteFile(file, []byte("x = 1\n"), 0o644)

	r := &Resolver{gitTopLevel: root}
	got, ok := r.Resolve(file)
	if !ok {
		t.Fatalf("expected resolution to succeed")
	}
	want := filepath.Join(root, "a", ".venv")
	if got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestResolveFallsBackToRepoRootVenv(t *testing.T) {
	root := fakeGitRepo(t)
	writePyvenvCfg(t, filepath.Join(root, ".venv"))

	deep := filepath.Join(root, "a", "b", "c")
	mustMkdirAll(t, deep)
	file := filepath.Join(deep, "main.py")
	os.WriteFile(file, []byte("x = 1\n"), 0o644)

	r := &Resolver{gitTopLevel: root}
	got, ok := r.Resolve(file)
	if !ok {
		t.Fatalf("expected resolution to succeed")
	}
	want := filepath.Join(root, ".venv")
	if got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestResolveReturnsNoneBelowGitRoot(t *testing.T) {
	root := fakeGitRepo(t)
	// No .venv anywhere.
	deep := filepath.Join(root, "a", "b", "c")
	mustMkdirAll(t, deep)
	file := filepath.Join(deep, "main.py")
	os.WriteFile(file, []byte("x = 1\n"), 0o644)

	r := &Resolver{gitTopLevel: root}
	_, ok := r.Resolve(file)
	if ok {
		t.Fatalf("expected resolution to fail")
	}
}

func TestResolveStopsAtGitTopLevelEvenIfVenvExistsAbove(t *testing.T) {
	outer := t.TempDir()
	writePyvenvCfg(t, filepath.Join(outer, ".venv")) // above the git root — must not be used

	root := filepath.Join(outer, "repo")
	mustMkdirAll(t, filepath.Join(root, ".git"))

	deep := filepath.Join(root, "a")
	mustMkdirAll(t, deep)
	file := filepath.Join(deep, "main.py")
	os.WriteFile(file, []byte("x = 1\n"), 0o644)

	r := &Resolver{gitTopLevel: root}
	_, ok := r.Resolve(file)
	if ok {
		t.Fatalf("expected resolution to fail, venv outside git root must not be used")
	}
}

func TestResolveFallback(t *testing.T) {
	root := fakeGitRepo(t)
	writePyvenvCfg(t, filepath.Join(root, ".venv"))

	r := &Resolver{gitTopLevel: root}
	got, ok := r.ResolveFallback("/nonexistent/cwd")
	if !ok {
		t.Fatalf("expected fallback to succeed via git top-level")
	}
	if got != filepath.Join(root, ".venv") {
		t.Errorf("got %s", got)
	}
}

func TestResolveFallbackNone(t *testing.T) {
	root := fakeGitRepo(t)
	r := &Resolver{gitTopLevel: root}
	_, ok := r.ResolveFallback(t.TempDir())
	if ok {
		t.Fatalf("expected fallback to fail when no .venv exists")
	}
}
