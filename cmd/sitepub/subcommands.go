package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/sitepub/internal/artifact"
	"github.com/3cpo-dev/sitepub/internal/core"
	"github.com/3cpo-dev/sitepub/internal/notify"
	gssh "github.com/3cpo-dev/sitepub/internal/ssh"
	"github.com/3cpo-dev/sitepub/internal/telemetry"
)

// Load configuration and apply workspace flag overrides
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	for flag, dst := range map[string]*string{"repo": &cfg.Workspace.Repo, "cache": &cfg.Workspace.Cache} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		abs, err := filepath.Abs(f.Value.String())
		if err != nil {
			return cfg, err
		}
		*dst = abs
	}
	return cfg, cfg.Validate()
}

func workspaceFlags(cmd *cobra.Command) {
	cmd.Flags().String("repo", "", "repository checkout (overrides workspace.repo)")
	cmd.Flags().String("cache", "", "workspace cache, used as HOME for the build (overrides workspace.cache)")
}

// Run the full publish sequence
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Install dependencies, build the site and publish it as an artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			noLedger, _ := cmd.Flags().GetBool("no-ledger")

			var exporter telemetry.Exporter
			if cfg.Telemetry.PushgatewayURL != "" {
				exporter = telemetry.NewPushgatewayExporter(cfg.Telemetry.PushgatewayURL, cfg.Telemetry.Job).
					WithGrouping("artifact", cfg.Artifact.Name)
			}
			telemetry.InitGlobal(cfg.Telemetry.Enabled, exporter)
			defer func() {
				if err := telemetry.Shutdown(); err != nil {
					log.Warn().Err(err).Msg("telemetry flush failed")
				}
			}()

			sink, err := artifact.DefaultRegistry().Build(ctx, cfg)
			if err != nil {
				return err
			}
			ws := cfg.WorkspacePaths()
			pub := artifact.NewPublisher(ws, sink)
			if cfg.Notify.NATSURL != "" {
				n, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject)
				if err != nil {
					log.Warn().Err(err).Msg("artifact events disabled")
				} else {
					defer n.Close()
					pub.WithNotifier(n)
				}
			}

			collab, err := core.StepsFromConfig(cfg, core.ExecRunner{})
			if err != nil {
				return err
			}
			collab.Artifacts = pub

			head, err := ws.HeadCommit()
			if err != nil {
				log.Warn().Err(err).Msg("could not read HEAD commit")
			}
			orch := core.NewOrchestrator(core.ArtifactSpec{Name: cfg.Artifact.Name, BuildPath: cfg.Artifact.BuildPath}, collab).WithCommit(head)
			if !noLedger {
				store, err := core.NewStore(cfg.Store.Path)
				if err != nil {
					log.Warn().Err(err).Str("path", cfg.Store.Path).Msg("run ledger unavailable")
				} else {
					defer store.Close()
					orch.WithLedger(store)
				}
			}

			report, err := orch.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s -> %s\n", report.Receipt.Manifest.Name, report.Receipt.Manifest.Version, report.Receipt.Location)
			return nil
		},
	}
	workspaceFlags(cmd)
	cmd.Flags().Bool("no-ledger", false, "do not record the run in the local ledger")
	return cmd
}

// Build the site without publishing
func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the site with the pinned environment, without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			withDeps, _ := cmd.Flags().GetBool("deps")
			collab, err := core.StepsFromConfig(cfg, core.ExecRunner{})
			if err != nil {
				return err
			}
			steps := []core.Step{collab.Build}
			if withDeps {
				steps = []core.Step{collab.Dependencies, collab.Build}
			}
			for _, s := range steps {
				if err := s.Run(cmd.Context()); err != nil {
					return &core.StepError{Step: s.Name(), Err: err}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", cfg.WorkspacePaths().Resolve(cfg.Artifact.BuildPath))
			return nil
		},
	}
	workspaceFlags(cmd)
	cmd.Flags().Bool("deps", false, "install build dependencies first")
	return cmd
}

// Show recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent publish runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if len(args) == 1 {
				steps, err := store.RunSteps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(steps) == 0 {
					return fmt.Errorf("no steps recorded for run %s", args[0])
				}
				fmt.Fprintln(tw, "SEQ\tSTEP\tSTATUS\tDURATION\tERROR")
				for _, s := range steps {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Seq, s.Name, s.Status, s.Duration.Round(time.Millisecond), s.Err)
				}
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tCOMMIT\tSTATUS\tFAILED STEP\tLOCATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), shortCommit(r.Commit), r.Status, r.FailedStep, r.Location)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// Generate the SSH key used by the sftp sink
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the SSH keypair used by the sftp sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			keyPath := cfg.SSHKeyPath()
			if _, err := os.Stat(keyPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", keyPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			host, _ := os.Hostname()
			pub, err := gssh.GenerateEd25519Keypair(keyPath, "sitepub@"+host)
			if err != nil {
				return err
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			log.Info().Str("key", keyPath).Msg("generated SSH keypair")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}

// Pin an artifact host's key in known_hosts
func newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host <host[:port]>",
		Short: "Record an artifact host's SSH key in known_hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = addr + ":" + strconv.Itoa(cfg.Artifact.Sink.SFTP.Port)
			}
			fp, err := gssh.TrustHost(cmd.Context(), cfg.SSH.KnownHosts, addr, 10*time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", addr, fp)
			return nil
		},
	}
	return cmd
}

// Print the resolved configuration
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Artifact.Sink.HTTP.Token != "" {
				cfg.Artifact.Sink.HTTP.Token = "********"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			if verr := cfg.Validate(); verr != nil {
				log.Warn().Err(verr).Msg("configuration is not valid for publish")
			}
			return err
		},
	}
}
