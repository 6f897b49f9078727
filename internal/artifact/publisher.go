package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// Notifier is told about every artifact that reached its sink.
type Notifier interface {
	ArtifactPublished(ctx context.Context, ev api.ArtifactEvent) error
}

// Publisher packs the build output of a workspace and hands it to a sink.
type Publisher struct {
	ws       core.Workspace
	sink     Sink
	notifier Notifier
	tmpDir   string
	now      func() time.Time
}

func NewPublisher(ws core.Workspace, sink Sink) *Publisher {
	return &Publisher{ws: ws, sink: sink, now: time.Now}
}

// WithNotifier sets a notifier. Notification failures are logged, not returned.
func (p *Publisher) WithNotifier(n Notifier) *Publisher {
	p.notifier = n
	return p
}

// WithTempDir sets where archives are staged before upload.
func (p *Publisher) WithTempDir(dir string) *Publisher {
	p.tmpDir = dir
	return p
}

// PublishArtifact registers <checkout>/<buildPath> as the deliverable called name.
func (p *Publisher) PublishArtifact(ctx context.Context, name, buildPath string) (*api.ArtifactReceipt, error) {
	src := p.ws.Resolve(buildPath)
	commit, err := p.ws.HeadCommit()
	if err != nil {
		log.Warn().Err(err).Str("repo", p.ws.Repo).Msg("could not read HEAD commit")
	}
	now := p.now().UTC()
	runID := core.RunIDFrom(ctx)
	version := versionFor(commit, runID, now)

	stage, err := os.MkdirTemp(p.tmpDir, "sitepub-artifact-")
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.RemoveAll(stage)

	archive := filepath.Join(stage, ArchiveName(name, version))
	res, err := Pack(src, archive)
	if err != nil {
		return nil, err
	}
	m := api.ArtifactManifest{
		Name:      name,
		Version:   version,
		Commit:    commit,
		RunID:     runID,
		Checksum:  res.Checksum,
		Size:      res.Size,
		Files:     res.Files,
		CreatedAt: now,
	}
	log.Info().
		Str("artifact", name).
		Str("version", version).
		Int("files", res.Files).
		Str("size", humanize.Bytes(uint64(res.Size))).
		Str("sink", p.sink.Name()).
		Msg("uploading artifact")

	loc, err := p.sink.Upload(ctx, m, archive)
	if err != nil {
		return nil, err
	}
	receipt := &api.ArtifactReceipt{Manifest: m, Sink: p.sink.Name(), Location: loc}
	log.Info().Str("artifact", name).Str("location", loc).Msg("artifact published")

	if p.notifier != nil {
		ev := api.ArtifactEvent{
			Name:        name,
			Version:     version,
			Commit:      commit,
			Checksum:    m.Checksum,
			Sink:        receipt.Sink,
			Location:    loc,
			PublishedAt: p.now().UTC(),
		}
		if err := p.notifier.ArtifactPublished(ctx, ev); err != nil {
			log.Warn().Err(err).Str("artifact", name).Msg("artifact notification failed")
		}
	}
	return receipt, nil
}

// versionFor names an artifact after its commit, falling back to the run id
// and then to a UTC timestamp when the checkout is not a git repository.
func versionFor(commit, runID string, now time.Time) string {
	switch {
	case len(commit) >= 12:
		return commit[:12]
	case commit != "":
		return commit
	case runID != "":
		return runID
	default:
		return now.Format("20060102T150405Z")
	}
}
