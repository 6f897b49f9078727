package artifact

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrBuildOutputMissing is returned when the build directory is absent or holds no files.
var ErrBuildOutputMissing = errors.New("build output missing")

// PackResult summarises an archive written by Pack.
type PackResult struct {
	Checksum string
	Size     int64
	Files    int
}

// Pack writes srcDir as a gzip-compressed tarball to dst. Entries are added in
// lexical order with owner information stripped. The checksum covers the
// compressed bytes.
func Pack(srcDir, dst string) (PackResult, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PackResult{}, fmt.Errorf("%w: %s", ErrBuildOutputMissing, srcDir)
		}
		return PackResult{}, err
	}
	if !info.IsDir() {
		return PackResult{}, fmt.Errorf("%w: %s is not a directory", ErrBuildOutputMissing, srcDir)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return PackResult{}, err
	}
	defer f.Close()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	gz := gzip.NewWriter(cw)
	tw := tar.NewWriter(gz)

	files := 0
	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		files++
		return nil
	})
	if err != nil {
		return PackResult{}, err
	}
	if err := tw.Close(); err != nil {
		return PackResult{}, err
	}
	if err := gz.Close(); err != nil {
		return PackResult{}, err
	}
	if err := f.Close(); err != nil {
		return PackResult{}, err
	}
	if files == 0 {
		return PackResult{}, fmt.Errorf("%w: %s is empty", ErrBuildOutputMissing, srcDir)
	}
	return PackResult{Checksum: hex.EncodeToString(h.Sum(nil)), Size: cw.n, Files: files}, nil
}

// Unpack extracts a tarball produced by Pack into dest and returns the number
// of regular files written. Entries that would land outside dest are rejected.
func Unpack(r io.Reader, dest string) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("tar: %w", err)
		}
		target, err := within(root, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return files, fmt.Errorf("unsafe symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if _, err := within(root, filepath.Join(filepath.Dir(filepath.FromSlash(hdr.Name)), hdr.Linkname)); err != nil {
				return files, fmt.Errorf("unsafe symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return files, err
			}
		}
	}
}

func within(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path in archive: %s", name)
	}
	return filepath.Join(root, clean), nil
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
