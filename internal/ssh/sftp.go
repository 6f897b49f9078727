package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ErrChecksumMismatch is returned when the uploaded file hashes differently remotely.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// UploadFile copies localPath to remotePath over SFTP. The data lands in a
// ".partial" sibling first and is renamed into place once complete, so readers
// on the host never see a half-written file.
func UploadFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) (int64, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	partial := remotePath + ".partial"
	dst, err := sf.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	n, err := io.Copy(dst, contextReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sf.Remove(partial)
		return n, fmt.Errorf("copy: %w", err)
	}
	if err := sf.PosixRename(partial, remotePath); err != nil {
		_ = sf.Remove(remotePath)
		if err := sf.Rename(partial, remotePath); err != nil {
			_ = sf.Remove(partial)
			return n, fmt.Errorf("rename into place: %w", err)
		}
	}
	return n, nil
}

// VerifyRemoteSHA256 compares the sha256 of remotePath with want. A mismatch
// removes the remote file.
func VerifyRemoteSHA256(ctx context.Context, client *xssh.Client, remotePath, want string) error {
	out, _, err := RunCommand(ctx, client, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return fmt.Errorf("remote checksum: empty output")
	}
	if fields[0] != want {
		if sf, err := sftp.NewClient(client); err == nil {
			_ = sf.Remove(remotePath)
			sf.Close()
		}
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, fields[0])
	}
	return nil
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
