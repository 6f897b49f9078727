package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// ErrSinkNotRegistered is returned for an unknown sink type.
var ErrSinkNotRegistered = errors.New("sink not registered")

// Sink stores a packed artifact and reports where it ended up.
type Sink interface {
	Name() string
	Upload(ctx context.Context, m api.ArtifactManifest, archivePath string) (location string, err error)
}

// Factory builds a sink from configuration.
type Factory func(ctx context.Context, cfg core.Config) (Sink, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows every built-in sink type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("local", newLocalSinkFromConfig)
	r.Register("sftp", newSFTPSinkFromConfig)
	r.Register("s3", newS3SinkFromConfig)
	r.Register("http", newHTTPSinkFromConfig)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build constructs the sink named by cfg.Artifact.Sink.Type.
func (r *Registry) Build(ctx context.Context, cfg core.Config) (Sink, error) {
	f, ok := r.factories[cfg.Artifact.Sink.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSinkNotRegistered, cfg.Artifact.Sink.Type)
	}
	return f(ctx, cfg)
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ArchiveName is the file name an artifact is stored under.
func ArchiveName(name, version string) string {
	return name + "-" + version + ".tar.gz"
}

// ManifestName is the file name of the manifest stored next to the archive.
func ManifestName(name, version string) string {
	return name + "-" + version + ".json"
}

func encodeManifest(m api.ArtifactManifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
