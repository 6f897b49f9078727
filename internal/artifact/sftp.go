package artifact

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/internal/core"
	gssh "github.com/3cpo-dev/sitepub/internal/ssh"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// SFTPSink uploads artifacts to <RemoteDir>/<name>/ on an SSH host and
// verifies the remote checksum before reporting success.
type SFTPSink struct {
	Client    *gssh.Client
	RemoteDir string
	// SkipVerify disables the remote sha256sum check for hosts without a shell.
	SkipVerify bool
}

func newSFTPSinkFromConfig(_ context.Context, cfg core.Config) (Sink, error) {
	sc := cfg.Artifact.Sink.SFTP
	signer, err := gssh.LoadPrivateKeySigner(cfg.SSHKeyPath())
	if err != nil {
		return nil, fmt.Errorf("sftp sink: load key: %w", err)
	}
	hostKeys, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("sftp sink: known_hosts: %w", err)
	}
	user := sc.User
	if user == "" {
		user = "deploy"
	}
	return &SFTPSink{
		Client: &gssh.Client{
			Addr:       net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port)),
			User:       user,
			Signer:     signer,
			KnownHosts: hostKeys,
			Timeout:    15 * time.Second,
			Retries:    sc.Retries,
			Backoff:    2 * time.Second,
		},
		RemoteDir: sc.RemoteDir,
	}, nil
}

func (s *SFTPSink) Name() string { return "sftp" }

func (s *SFTPSink) Upload(ctx context.Context, m api.ArtifactManifest, archivePath string) (string, error) {
	cli, err := gssh.Dial(ctx, s.Client)
	if err != nil {
		return "", fmt.Errorf("sftp sink: %w", err)
	}
	defer cli.Close()

	dir := path.Join(s.RemoteDir, m.Name)
	remote := path.Join(dir, ArchiveName(m.Name, m.Version))
	n, err := gssh.UploadFile(ctx, cli, archivePath, remote)
	if err != nil {
		return "", fmt.Errorf("sftp sink: upload: %w", err)
	}
	log.Debug().Str("remote", remote).Int64("bytes", n).Msg("archive uploaded")
	if !s.SkipVerify {
		if err := gssh.VerifyRemoteSHA256(ctx, cli, remote, m.Checksum); err != nil {
			return "", fmt.Errorf("sftp sink: %w", err)
		}
	}

	body, err := encodeManifest(m)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "manifest-*.json")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if _, err := gssh.UploadFile(ctx, cli, tmp.Name(), path.Join(dir, ManifestName(m.Name, m.Version))); err != nil {
		return "", fmt.Errorf("sftp sink: manifest: %w", err)
	}
	return fmt.Sprintf("sftp://%s@%s%s", s.Client.User, s.Client.Addr, path.Join("/", remote)), nil
}
