package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSnapshot(t *testing.T, baseDir, name string) {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte("state"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, MemFileName), []byte("mem"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverRegistersCompleteSnapshotsOnly(t *testing.T) {
	base := t.TempDir()
	writeSnapshot(t, base, "base")
	writeSnapshot(t, base, "golden-python")

	// Incomplete: only the state file, no memory file.
	incomplete := filepath.Join(base, "incomplete")
	if err := os.MkdirAll(incomplete, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(incomplete, StateFileName), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(base)
	if err := m.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	names := m.List()
	if len(names) != 2 || names[0] != "base" || names[1] != "golden-python" {
		t.Fatalf("got %v, want [base golden-python]", names)
	}

	if _, err := m.Get("incomplete"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for incomplete snapshot, got %v", err)
	}

	def, err := m.GetDefault()
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	if def.Name != "base" {
		t.Fatalf("got %q, want base", def.Name)
	}
}

func TestDiscoverCreatesMissingBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "does-not-exist-yet")
	m := New(base)
	if err := m.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected no snapshots in a fresh dir")
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatalf("expected base dir to be created: %v", err)
	}
}
