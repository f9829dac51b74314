package pluginhost

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/policyd/policyd/internal/domain/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscover_EmptyDirectory(t *testing.T) {
	t.Parallel()

	h := New(t.TempDir(), testLogger())
	paths, err := h.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("paths = %v, want none", paths)
	}
}

func TestDiscover_NonexistentDirectory(t *testing.T) {
	t.Parallel()

	h := New(filepath.Join(t.TempDir(), "does-not-exist"), testLogger())
	paths, err := h.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("paths = %v, want none", paths)
	}
}

func TestDiscover_OnlyMatchesSoFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.so", "b.so", "readme.txt", "c.SO"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
	}

	h := New(dir, testLogger())
	paths, err := h.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want exactly the two .so files", paths)
	}
}

func TestLoad_NotASharedObjectFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.so")
	if err := os.WriteFile(path, []byte("not an elf shared object"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := New(dir, testLogger())
	if _, err := h.Load(path); err == nil {
		t.Fatal("Load succeeded on a non-plugin file")
	}
}

func TestLoadAll_SkipsBrokenPluginsAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.so"), []byte("not valid"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := New(dir, testLogger())
	reg := plugin.NewRegistry(testLogger())
	if err := h.LoadAll(reg); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	// The broken file should have been skipped, not treated as a fatal
	// error for the whole scan.
}
