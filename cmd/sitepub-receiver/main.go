package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/internal/receiver"
	"github.com/3cpo-dev/sitepub/internal/telemetry"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sitepub-receiver",
		Short:         "Accept artifact uploads from sitepub and unpack them for serving",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	cmd.Flags().String("addr", ":8089", "listen address")
	cmd.Flags().String("root", "/srv/sitepub", "directory artifacts are unpacked into")
	cmd.Flags().Int64("max-bytes", receiver.DefaultMaxBytes, "largest accepted upload")
	cmd.Flags().Bool("metrics", true, "serve Prometheus metrics on /metrics")
	cmd.Flags().Bool("debug", false, "debug logging")
	return cmd
}

func serve(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	root, _ := cmd.Flags().GetString("root")
	maxBytes, _ := cmd.Flags().GetInt64("max-bytes")
	metrics, _ := cmd.Flags().GetBool("metrics")
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	secrets, err := core.LoadSecretsEnv("")
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}
	token := os.Getenv("SITEPUB_RECEIVER_TOKEN")
	if token == "" {
		token = secrets["SITEPUB_RECEIVER_TOKEN"]
	}
	if token == "" {
		log.Warn().Msg("SITEPUB_RECEIVER_TOKEN is not set, uploads are unauthenticated")
	}

	srv := &receiver.Server{Root: root, Token: token, Version: version, MaxBytes: maxBytes}
	if metrics {
		srv.Metrics = telemetry.NewScrapeExporter()
		telemetry.InitGlobal(true, srv.Metrics)
	}

	tlsCfg := receiver.LoadTLSConfig()
	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-cmd.Context().Done():
	}
	log.Info().Msg("sitepub-receiver shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
