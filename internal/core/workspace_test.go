package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestHeadCommit(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.rb"), []byte("activate :directory_indexes\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("config.rb"); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	sub := filepath.Join(dir, "source")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, path := range []string{dir, sub} {
		got, err := Workspace{Repo: path}.HeadCommit()
		if err != nil {
			t.Fatalf("head %s: %v", path, err)
		}
		if got != hash.String() {
			t.Fatalf("head %s = %s, want %s", path, got, hash)
		}
	}
}

func TestHeadCommitNotARepository(t *testing.T) {
	got, err := Workspace{Repo: t.TempDir()}.HeadCommit()
	if err != nil || got != "" {
		t.Fatalf("expected empty commit without error, got %q %v", got, err)
	}
}

func TestWorkspaceResolve(t *testing.T) {
	ws := Workspace{Repo: "/ws/repo"}
	if got := ws.Resolve("build"); got != "/ws/repo/build" {
		t.Fatalf("resolve = %s", got)
	}
	if got := ws.Resolve("/srv/out/"); got != "/srv/out" {
		t.Fatalf("absolute resolve = %s", got)
	}
}
