package receiver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSwapDirKeepsPreviousVersionOnFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "v1")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "index.html"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := swapDir(filepath.Join(dir, ".unpack-missing"), target); err == nil {
		t.Fatal("expected rename of a missing staging dir to fail")
	}
	b, err := os.ReadFile(filepath.Join(target, "index.html"))
	if err != nil || string(b) != "old" {
		t.Fatalf("previous version lost: %q %v", b, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("leftover entries: %v", entries)
	}
}

func TestSwapDirReplaces(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "v1")
	staging := filepath.Join(dir, ".unpack-1")
	for p, body := range map[string]string{target: "old", staging: "new"} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(p, "index.html"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := swapDir(staging, target); err != nil {
		t.Fatalf("swap: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(target, "index.html"))
	if err != nil || string(b) != "new" {
		t.Fatalf("got %q %v", b, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("replaced version not removed: %v", entries)
	}
}

func TestSwapDirFresh(t *testing.T) {
	dir := t.TempDir()
	staging := filepath.Join(dir, ".unpack-1")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := swapDir(staging, filepath.Join(dir, "v1")); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if fi, err := os.Stat(filepath.Join(dir, "v1")); err != nil || !fi.IsDir() {
		t.Fatalf("v1 missing: %v", err)
	}
}
