package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

func TestRegistryBuild(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"http", "local", "s3", "sftp"}, r.Names())

	var cfg core.Config
	cfg.Artifact.Sink.Type = "ftp"
	_, err := r.Build(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrSinkNotRegistered)

	cfg.Artifact.Sink.Type = "local"
	cfg.Artifact.Sink.Local.Dir = t.TempDir()
	s, err := r.Build(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "local", s.Name())

	cfg.Artifact.Sink.Type = "http"
	cfg.Artifact.Sink.HTTP.URL = "http://receiver:8089"
	cfg.Artifact.Sink.HTTP.TimeoutSeconds = 5
	s, err = r.Build(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "http", s.Name())
}

func TestRegistryBuildSFTPNeedsKey(t *testing.T) {
	var cfg core.Config
	cfg.Artifact.Sink.Type = "sftp"
	cfg.SSH.KeyDir = t.TempDir()
	cfg.SSH.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")
	_, err := DefaultRegistry().Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestLocalSinkUpload(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "in.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("tarball"), 0o600))
	root := t.TempDir()
	m := api.ArtifactManifest{Name: "lc-rally", Version: "0123456789ab", Checksum: "abc", Size: 7, Files: 1}

	loc, err := (&LocalSink{Dir: root}).Upload(context.Background(), m, archive)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "lc-rally", "lc-rally-0123456789ab.tar.gz"), loc)

	body, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(body))

	raw, err := os.ReadFile(filepath.Join(root, "lc-rally", "lc-rally-0123456789ab.json"))
	require.NoError(t, err)
	var got api.ArtifactManifest
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, m.Version, got.Version)
	assert.Equal(t, m.Checksum, got.Checksum)

	leftovers, err := filepath.Glob(filepath.Join(root, "lc-rally", ".partial-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLocalSinkCancelled(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "in.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("tarball"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&LocalSink{Dir: t.TempDir()}).Upload(ctx, api.ArtifactManifest{Name: "lc-rally", Version: "v"}, archive)
	assert.ErrorIs(t, err, context.Canceled)
}
