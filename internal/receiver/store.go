package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/internal/artifact"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

var (
	errChecksum = errors.New("checksum mismatch")
	errArchive  = errors.New("invalid archive")
)

const currentLink = "current"

type upload struct {
	name, version string
	commit, runID string
	want          string
}

// store writes the archive next to its unpacked tree and points
// <name>/current at the new version. A failed upload leaves the previous
// version untouched.
func (s *Server) store(up upload, body io.Reader) (api.UploadResponse, error) {
	dir := filepath.Join(s.Root, up.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return api.UploadResponse{}, err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return api.UploadResponse{}, err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("receive body: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != up.want {
		return api.UploadResponse{}, fmt.Errorf("%w: expected %s, got %s", errChecksum, up.want, sum)
	}

	staging, err := os.MkdirTemp(dir, ".unpack-*")
	if err != nil {
		return api.UploadResponse{}, err
	}
	defer os.RemoveAll(staging)
	f, err := os.Open(tmp.Name())
	if err != nil {
		return api.UploadResponse{}, err
	}
	files, err := artifact.Unpack(f, staging)
	f.Close()
	if err != nil {
		return api.UploadResponse{}, fmt.Errorf("%w: %v", errArchive, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target := filepath.Join(dir, up.version)
	if err := swapDir(staging, target); err != nil {
		return api.UploadResponse{}, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, artifact.ArchiveName(up.name, up.version))); err != nil {
		return api.UploadResponse{}, err
	}
	m := api.ArtifactManifest{
		Name:      up.name,
		Version:   up.version,
		Commit:    up.commit,
		RunID:     up.runID,
		Checksum:  sum,
		Size:      size,
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return api.UploadResponse{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, artifact.ManifestName(up.name, up.version)), raw, 0o644); err != nil {
		return api.UploadResponse{}, err
	}
	if err := pointCurrent(dir, up.version); err != nil {
		return api.UploadResponse{}, err
	}
	return api.UploadResponse{Location: target, Checksum: sum, Files: files}, nil
}

// swapDir renames staging to target. An existing target is moved aside
// first, put back if the rename fails and removed once it succeeds.
func swapDir(staging, target string) error {
	var aside string
	if _, err := os.Lstat(target); err == nil {
		aside = filepath.Join(filepath.Dir(target), fmt.Sprintf(".replaced-%s-%d", filepath.Base(target), time.Now().UnixNano()))
		if err := os.Rename(target, aside); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, target); err != nil {
		if aside != "" {
			if rerr := os.Rename(aside, target); rerr != nil {
				log.Error().Err(rerr).Str("path", aside).Msg("could not restore previous version")
			}
		}
		return err
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			log.Warn().Err(err).Str("path", aside).Msg("remove replaced version")
		}
	}
	return nil
}

// pointCurrent swaps the current symlink atomically.
func pointCurrent(dir, version string) error {
	tmp := filepath.Join(dir, ".current-"+version)
	_ = os.Remove(tmp)
	if err := os.Symlink(version, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, currentLink))
}

// versions lists unpacked versions of name, or nil when none exist.
func (s *Server) versions(name string) (*api.VersionList, error) {
	dir := filepath.Join(s.Root, name)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &api.VersionList{Name: name, Versions: []string{}}
	for _, e := range entries {
		if e.IsDir() && validName.MatchString(e.Name()) {
			out.Versions = append(out.Versions, e.Name())
		}
	}
	if len(out.Versions) == 0 {
		return nil, nil
	}
	sort.Strings(out.Versions)
	if cur, err := os.Readlink(filepath.Join(dir, currentLink)); err == nil {
		out.Current = cur
	}
	return out, nil
}
