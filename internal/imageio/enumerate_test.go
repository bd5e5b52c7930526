package imageio

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestEnumerate(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.JPG", "a.jpg", "c.png", "notes.txt", "sub/e.jpeg", "sub/deep/f.gif"} {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := Enumerate(root, nil)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	want := []string{"a.jpg", "b.JPG", "c.png", "sub/e.jpeg"}
	if !slices.Equal(ids, want) {
		t.Errorf("Enumerate = %v, want %v", ids, want)
	}

	ids, err = Enumerate(root, []string{".gif"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"sub/deep/f.gif"}) {
		t.Errorf("Enumerate(.gif) = %v", ids)
	}
}

func TestEnumerate_MissingRoot(t *testing.T) {
	if _, err := Enumerate(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing root")
	}
}
