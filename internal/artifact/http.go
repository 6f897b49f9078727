package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// HTTPSink uploads artifacts to a sitepub receiver.
type HTTPSink struct {
	BaseURL string
	Token   string
	Client  *RetryableHTTPClient
}

func newHTTPSinkFromConfig(_ context.Context, cfg core.Config) (Sink, error) {
	hc := cfg.Artifact.Sink.HTTP
	if hc.URL == "" {
		return nil, errors.New("http sink: url required")
	}
	timeout := time.Duration(hc.TimeoutSeconds) * time.Second
	return &HTTPSink{
		BaseURL: hc.URL,
		Token:   hc.Token,
		Client:  NewRetryableHTTPClient(timeout, DefaultRetryConfig()),
	}, nil
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Upload(ctx context.Context, m api.ArtifactManifest, archivePath string) (string, error) {
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/v0/artifacts/" + url.PathEscape(m.Name) + "/" + url.PathEscape(m.Version)
	resp, err := s.Client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		f, err := os.Open(archivePath)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		req.ContentLength = m.Size
		req.Header.Set("Content-Type", "application/gzip")
		req.Header.Set(api.HeaderChecksum, m.Checksum)
		if m.Commit != "" {
			req.Header.Set(api.HeaderCommit, m.Commit)
		}
		if m.RunID != "" {
			req.Header.Set(api.HeaderRunID, m.RunID)
		}
		if s.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.Token)
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("http sink: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("http sink: receiver returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("http sink: decode response: %w", err)
	}
	if out.Checksum != "" && out.Checksum != m.Checksum {
		return "", fmt.Errorf("http sink: receiver stored sha256 %s, expected %s", out.Checksum, m.Checksum)
	}
	if out.Location == "" {
		out.Location = endpoint
	}
	return out.Location, nil
}
