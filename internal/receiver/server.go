package receiver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/internal/telemetry"
	"github.com/3cpo-dev/sitepub/pkg/api"
)

// DefaultMaxBytes caps a single upload.
const DefaultMaxBytes = 2 << 30

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Server accepts artifact uploads and unpacks them under Root/<name>/<version>.
type Server struct {
	Root     string
	Token    string
	Version  string
	MaxBytes int64
	// Metrics, when set, is served on /metrics.
	Metrics *telemetry.ScrapeExporter

	mu  sync.Mutex
	srv *http.Server
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		telemetry.CounterGlobal("sitepub_receiver_heartbeats_total", 1, map[string]string{"endpoint": "heartbeat"})
		writeJSON(w, http.StatusOK, api.Heartbeat{Time: time.Now(), Host: r.Host, Version: s.Version})
	})
	mux.HandleFunc("PUT /v0/artifacts/{name}/{version}", s.authorized("upload", s.handleUpload))
	mux.HandleFunc("GET /v0/artifacts/{name}", s.authorized("list", s.handleList))
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler(telemetry.GetGlobal()))
	}
}

// Handler returns the receiver's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) authorized(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+s.Token)) != 1 {
				telemetry.CounterGlobal("sitepub_receiver_requests_total", 1, map[string]string{"endpoint": endpoint, "status": "401"})
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer r.Body.Close()
	name, version := r.PathValue("name"), r.PathValue("version")
	status := http.StatusCreated
	defer func() {
		labels := map[string]string{"endpoint": "upload", "status": strconv.Itoa(status)}
		telemetry.CounterGlobal("sitepub_receiver_requests_total", 1, labels)
		telemetry.TimerGlobal("sitepub_receiver_request_duration_seconds", time.Since(start), labels)
	}()

	if !validName.MatchString(name) || !validName.MatchString(version) || version == currentLink {
		status = http.StatusBadRequest
		http.Error(w, "invalid artifact name or version", status)
		return
	}
	want := r.Header.Get(api.HeaderChecksum)
	if want == "" {
		status = http.StatusBadRequest
		http.Error(w, api.HeaderChecksum+" header required", status)
		return
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body := http.MaxBytesReader(w, r.Body, limit)

	up := upload{
		name:    name,
		version: version,
		commit:  r.Header.Get(api.HeaderCommit),
		runID:   r.Header.Get(api.HeaderRunID),
		want:    want,
	}
	resp, err := s.store(up, body)
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, errChecksum), errors.Is(err, errArchive):
			status = http.StatusUnprocessableEntity
		default:
			status = http.StatusInternalServerError
		}
		log.Error().Err(err).Str("artifact", name).Str("version", version).Int("status", status).Msg("upload rejected")
		http.Error(w, err.Error(), status)
		return
	}
	log.Info().Str("artifact", name).Str("version", version).Int("files", resp.Files).Str("location", resp.Location).Msg("artifact stored")
	writeJSON(w, status, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName.MatchString(name) {
		http.Error(w, "invalid artifact name", http.StatusBadRequest)
		return
	}
	list, err := s.versions(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the server without TLS.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.setHTTPServer(srv)
	log.Info().Str("addr", addr).Str("root", s.Root).Msg("Starting receiver")
	return srv.ListenAndServe()
}

// Shutdown stops a running server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

func (s *Server) setHTTPServer(srv *http.Server) {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
}
