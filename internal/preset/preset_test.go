package preset

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("clip"), 0o600); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "soft_smile.mp4", "big_laugh.MP4", "notes.txt")
	if err := os.Mkdir(filepath.Join(dir, "nested.mp4"), 0o750); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	want := []string{"big_laugh", "soft_smile"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	p, err := r.Lookup("soft_smile")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if p.Path != filepath.Join(dir, "soft_smile.mp4") {
		t.Errorf("Path = %s", p.Path)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := r.Lookup("wink"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestRegistry_MissingDir(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_Refresh(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	writeFiles(t, dir, "wink.mp4")
	if err := r.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := r.Lookup("wink"); err != nil {
		t.Errorf("expected wink after refresh, got %v", err)
	}
}
