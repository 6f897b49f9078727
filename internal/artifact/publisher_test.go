package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

type recordingNotifier struct {
	events []api.ArtifactEvent
	err    error
}

func (n *recordingNotifier) ArtifactPublished(_ context.Context, ev api.ArtifactEvent) error {
	n.events = append(n.events, ev)
	return n.err
}

// checkout creates a committed repository with a build/ directory next to it.
func checkout(t *testing.T) (core.Workspace, string) {
	t.Helper()
	repo := t.TempDir()
	r, err := git.PlainInit(repo, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "config.rb"), []byte("activate :livereload\n"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("config.rb")
	require.NoError(t, err)
	hash, err := wt.Commit("site", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	build := filepath.Join(repo, "build")
	require.NoError(t, os.MkdirAll(filepath.Join(build, "about"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(build, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(build, "about", "index.html"), []byte("<h1>about</h1>"), 0o644))
	return core.Workspace{Repo: repo, Cache: t.TempDir()}, hash.String()
}

func TestPublisherPublishArtifact(t *testing.T) {
	ws, commit := checkout(t)
	dest := t.TempDir()
	n := &recordingNotifier{}
	p := NewPublisher(ws, &LocalSink{Dir: dest}).WithNotifier(n).WithTempDir(t.TempDir())

	receipt, err := p.PublishArtifact(context.Background(), "lc-rally", "build")
	require.NoError(t, err)
	assert.Equal(t, "local", receipt.Sink)
	assert.Equal(t, commit[:12], receipt.Manifest.Version)
	assert.Equal(t, commit, receipt.Manifest.Commit)
	assert.Equal(t, 2, receipt.Manifest.Files)
	assert.Equal(t, filepath.Join(dest, "lc-rally", "lc-rally-"+commit[:12]+".tar.gz"), receipt.Location)

	f, err := os.Open(receipt.Location)
	require.NoError(t, err)
	defer f.Close()
	files, err := Unpack(f, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, files)

	require.Len(t, n.events, 1)
	assert.Equal(t, receipt.Location, n.events[0].Location)
	assert.Equal(t, receipt.Manifest.Checksum, n.events[0].Checksum)
}

func TestPublisherMissingBuildOutput(t *testing.T) {
	ws, _ := checkout(t)
	n := &recordingNotifier{}
	p := NewPublisher(ws, &LocalSink{Dir: t.TempDir()}).WithNotifier(n)
	_, err := p.PublishArtifact(context.Background(), "lc-rally", "public")
	assert.ErrorIs(t, err, ErrBuildOutputMissing)
	assert.Empty(t, n.events, "nothing is announced when nothing was published")
}

func TestPublisherNotificationFailureIsNotFatal(t *testing.T) {
	ws, _ := checkout(t)
	n := &recordingNotifier{err: errors.New("nats: no servers available")}
	p := NewPublisher(ws, &LocalSink{Dir: t.TempDir()}).WithNotifier(n)
	receipt, err := p.PublishArtifact(context.Background(), "lc-rally", "build")
	require.NoError(t, err)
	assert.NotNil(t, receipt)
	assert.Len(t, n.events, 1)
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }
func (failingSink) Upload(context.Context, api.ArtifactManifest, string) (string, error) {
	return "", errors.New("disk full")
}

func TestPublisherSinkFailure(t *testing.T) {
	ws, _ := checkout(t)
	_, err := NewPublisher(ws, failingSink{}).PublishArtifact(context.Background(), "lc-rally", "build")
	assert.EqualError(t, err, "disk full")
}

func TestVersionFor(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "0123456789ab", versionFor("0123456789abcdef0123", "run", now))
	assert.Equal(t, "abc", versionFor("abc", "run", now))
	assert.Equal(t, "run", versionFor("", "run", now))
	assert.Equal(t, "20261018T093000Z", versionFor("", "", now))
}
