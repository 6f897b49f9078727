package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func pinnedEnv(t *testing.T, cache string) Env {
	t.Helper()
	env, err := ResolveEnv(DefaultBuildEnv(), Workspace{Repo: "/unused", Cache: cache})
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}
	return env
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := lookPath(name, "/usr/local/bin:/usr/bin:/bin"); err != nil {
		t.Skipf("%s not available", name)
	}
}

// TestExecRunnerEnvIsExact checks that nothing from the parent leaks into the child.
func TestExecRunnerEnvIsExact(t *testing.T) {
	requireBinary(t, "env")
	t.Setenv("SITEPUB_LEAK_CHECK", "should-not-appear")

	cache := t.TempDir()
	var out bytes.Buffer
	r := ExecRunner{Stdout: &out}
	if err := r.Run(context.Background(), Command{Step: StepBuild, Argv: []string{"env"}, Env: pinnedEnv(t, cache), Dir: t.TempDir()}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if i := strings.IndexByte(line, '='); i > 0 {
			names = append(names, line[:i])
		}
	}
	sort.Strings(names)
	want := []string{"API_ENDPOINT", "CHEF_LAB_URL", "HOME", "NODE_ENV", "PATH"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("child env names = %v, want %v", names, want)
	}
	if !strings.Contains(out.String(), "HOME="+cache+"\n") {
		t.Fatalf("HOME not set to cache dir: %s", out.String())
	}
}

func TestExecRunnerWorkingDirectory(t *testing.T) {
	requireBinary(t, "pwd")
	dir := t.TempDir()
	var out bytes.Buffer
	r := ExecRunner{Stdout: &out}
	if err := r.Run(context.Background(), Command{Step: StepBuild, Argv: []string{"pwd"}, Env: pinnedEnv(t, dir), Dir: dir}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != want {
		t.Fatalf("pwd = %q, want %q", got, want)
	}
}

func TestExecRunnerRequiresDir(t *testing.T) {
	r := ExecRunner{}
	err := r.Run(context.Background(), Command{Argv: []string{"true"}, Env: pinnedEnv(t, "/tmp")})
	if err == nil {
		t.Fatalf("expected error without working directory")
	}
}

func TestExecRunnerMissingDir(t *testing.T) {
	r := ExecRunner{}
	missing := filepath.Join(t.TempDir(), "gone")
	if err := r.Run(context.Background(), Command{Argv: []string{"true"}, Env: pinnedEnv(t, "/tmp"), Dir: missing}); err == nil {
		t.Fatalf("expected error for missing working directory")
	}
}

func TestExecRunnerUsesPinnedPath(t *testing.T) {
	// A binary reachable only through the parent's PATH must not be found.
	bin := t.TempDir()
	script := filepath.Join(bin, "only-in-parent-path")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	r := ExecRunner{}
	err := r.Run(context.Background(), Command{Argv: []string{"only-in-parent-path"}, Env: pinnedEnv(t, "/tmp"), Dir: t.TempDir()})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	requireBinary(t, "false")
	r := ExecRunner{}
	if err := r.Run(context.Background(), Command{Argv: []string{"false"}, Env: pinnedEnv(t, "/tmp"), Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error from false")
	}
}

func TestLineLoggerSplitsLines(t *testing.T) {
	var tee bytes.Buffer
	l := newLineLogger("build", zerolog.InfoLevel, &tee)
	if _, err := l.Write([]byte("first\nsec")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(l.buf) != "sec" {
		t.Fatalf("partial line not buffered: %q", l.buf)
	}
	if _, err := l.Write([]byte("ond\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(l.buf) != 0 {
		t.Fatalf("buffer not drained: %q", l.buf)
	}
	l.Flush()
	if tee.String() != "first\nsecond\n" {
		t.Fatalf("tee = %q", tee.String())
	}
}
