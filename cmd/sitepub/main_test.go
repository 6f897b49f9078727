package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitepub/internal/core"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type fixture struct {
	config string
	repo   string
	dest   string
}

// newFixture writes a config whose build step is a shell one-liner, so the
// full sequence can run without ruby or middleman installed.
func newFixture(t *testing.T, build string) fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SITEPUB_RECEIVER_TOKEN", "")
	t.Setenv("NATS_URL", "")

	f := fixture{repo: t.TempDir(), dest: t.TempDir()}
	cfg := fmt.Sprintf(`
workspace:
  repo: %s
  cache: %s
steps:
  dependencies:
    command: ["true"]
build:
  command: ["sh", "-c", %q]
artifact:
  sink:
    type: local
    local:
      dir: %s
store:
  path: %s
`, f.repo, t.TempDir(), build, f.dest, filepath.Join(t.TempDir(), "ledger.db"))
	f.config = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o600))
	return f
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "sitepub "+version))
}

func TestPublishAndHistory(t *testing.T) {
	f := newFixture(t, "mkdir -p build/about && echo home > build/index.html && echo about > build/about/index.html")

	out, err := execute(t, "--config", f.config, "publish")
	require.NoError(t, err)
	assert.Contains(t, out, "published lc-rally ")

	archives, err := filepath.Glob(filepath.Join(f.dest, "lc-rally", "lc-rally-*.tar.gz"))
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	out, err = execute(t, "--config", f.config, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, archives[0])
}

func TestPublishReportsFailedStep(t *testing.T) {
	f := newFixture(t, "echo 'missing gem' >&2; exit 3")

	_, err := execute(t, "--config", f.config, "publish")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStepFailed)
	var se *core.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.StepBuild, se.Step)

	entries, err := os.ReadDir(f.dest)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is published after a failed build")

	out, err := execute(t, "--config", f.config, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, core.StepBuild)
}

func TestPublishRepoOverride(t *testing.T) {
	f := newFixture(t, "mkdir -p build && echo ok > build/index.html")
	other := t.TempDir()

	_, err := execute(t, "--config", f.config, "publish", "--no-ledger", "--repo", other)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(other, "build", "index.html"))
	assert.NoFileExists(t, filepath.Join(f.repo, "build", "index.html"))
}

func TestBuildCmd(t *testing.T) {
	f := newFixture(t, "mkdir -p build && echo ok > build/index.html")
	out, err := execute(t, "--config", f.config, "build")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(f.repo, "build"))
	entries, err := os.ReadDir(f.dest)
	require.NoError(t, err)
	assert.Empty(t, entries, "build does not publish")
}

func TestConfigCmdRedactsToken(t *testing.T) {
	f := newFixture(t, "true")
	t.Setenv("SITEPUB_RECEIVER_TOKEN", "s3cret")
	out, err := execute(t, "--config", f.config, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "lc-rally")
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	f := newFixture(t, "true")
	out, err := execute(t, "--config", f.config, "keygen")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ssh-ed25519 "))

	_, err = execute(t, "--config", f.config, "keygen")
	assert.Error(t, err)
	_, err = execute(t, "--config", f.config, "keygen", "--force")
	assert.NoError(t, err)
}
