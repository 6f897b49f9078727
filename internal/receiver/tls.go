package receiver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds optional TLS and client-certificate settings.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireMTLS  bool
}

// Enabled reports whether a server certificate was configured.
func (c TLSConfig) Enabled() bool {
	return c.ServerCert != "" && c.ServerKey != ""
}

// LoadTLSConfig reads TLS settings from the environment.
func LoadTLSConfig() TLSConfig {
	return TLSConfig{
		ServerCert:   os.Getenv("SITEPUB_RECEIVER_TLS_CERT"),
		ServerKey:    os.Getenv("SITEPUB_RECEIVER_TLS_KEY"),
		ClientCACert: os.Getenv("SITEPUB_RECEIVER_CLIENT_CA"),
		RequireMTLS:  os.Getenv("SITEPUB_RECEIVER_REQUIRE_MTLS") == "true",
	}
}

// BuildTLS turns cfg into a server tls.Config.
func BuildTLS(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.RequireMTLS {
		if cfg.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required when mTLS is enforced")
		}
		pem, err := os.ReadFile(cfg.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", cfg.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tc, nil
}

// clientIdentity logs the verified client certificate, if any.
func clientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			c := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", c.Subject.String()).
				Str("serial", c.SerialNumber.String()).
				Str("path", r.URL.Path).
				Msg("mTLS client authenticated")
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS starts the server with TLS and optional mTLS.
func (s *Server) ListenAndServeTLS(addr string, cfg TLSConfig) error {
	tc, err := BuildTLS(cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           clientIdentity(s.Handler()),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setHTTPServer(srv)
	log.Info().Str("addr", addr).Bool("mtls_required", cfg.RequireMTLS).Msg("Starting receiver with TLS")
	return srv.ListenAndServeTLS("", "")
}
