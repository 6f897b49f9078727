package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// LocalSink copies artifacts into <Dir>/<name>/ on the local filesystem.
type LocalSink struct {
	Dir string
}

func newLocalSinkFromConfig(_ context.Context, cfg core.Config) (Sink, error) {
	if cfg.Artifact.Sink.Local.Dir == "" {
		return nil, errors.New("local sink: dir required")
	}
	return &LocalSink{Dir: cfg.Artifact.Sink.Local.Dir}, nil
}

func (s *LocalSink) Name() string { return "local" }

func (s *LocalSink) Upload(ctx context.Context, m api.ArtifactManifest, archivePath string) (string, error) {
	dir := filepath.Join(s.Dir, m.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("local sink: %w", err)
	}
	dst := filepath.Join(dir, ArchiveName(m.Name, m.Version))
	if err := copyFileAtomic(ctx, archivePath, dst); err != nil {
		return "", fmt.Errorf("local sink: %w", err)
	}
	body, err := encodeManifest(m)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName(m.Name, m.Version)), body, 0o644); err != nil {
		return "", fmt.Errorf("local sink: manifest: %w", err)
	}
	return dst, nil
}

func copyFileAtomic(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
