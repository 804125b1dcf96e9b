// Package main is the ScanVault core command line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/scanvault/backend/internal/config"
	"github.com/kimhsiao/scanvault/backend/internal/crypto"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/services"
	syncpkg "github.com/kimhsiao/scanvault/backend/internal/sync"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "scanvault",
		Short:         "ScanVault core: offline license validation and template sync",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       Version,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newValidateCmd(g),
		newSyncCmd(g),
		newStatsCmd(g),
		newClearValidationsCmd(g),
		newRunCmd(g),
		newSealCmd(),
	)
	return rootCmd
}

// openCore loads configuration and builds the core.
func openCore(ctx context.Context, cmd *cobra.Command, g *globalFlags) (*services.Core, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	level := cfg.Log.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	if cfg.Log.Format == "console" {
		logging.InitConsole(cmd.ErrOrStderr(), logging.ParseLevel(level))
	} else {
		logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(level))
	}
	return services.New(ctx, cfg, services.Options{})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scan-code>",
		Short: "Validate a scan code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer core.Close()

			out, err := core.Validate(ctx, args[0])
			if out != nil {
				if g.jsonOutput {
					if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
						return perr
					}
				} else {
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "Valid:     %t\n", out.Valid)
					fmt.Fprintf(w, "Method:    %s\n", out.Method)
					if out.TemplateID != "" {
						fmt.Fprintf(w, "Template:  %s\n", out.TemplateID)
					}
					if out.Reason != "" {
						fmt.Fprintf(w, "Reason:    %s\n", out.Reason)
					}
					if out.OfflineWarning {
						fmt.Fprintf(w, "Warning:   backend unreachable, result from %s\n", humanize.Time(out.ValidatedAt))
					}
				}
			}
			return err
		},
	}
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	var templateID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize templates with the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer core.Close()

			if !g.jsonOutput {
				core.Subscribe(syncpkg.ObserverFunc(func(ev syncpkg.Event) {
					if ev.Type == syncpkg.EventItemState && ev.State.Final() {
						fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", ev.TemplateID, ev.State)
					}
				}))
			}

			var op *models.SyncOperation
			if templateID != "" {
				op, err = core.SyncOne(ctx, templateID)
			} else {
				op, err = core.SyncAll(ctx)
			}
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(cmd.OutOrStdout(), op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sync %s: %d succeeded, %d failed in %s\n",
				op.Outcome, op.ItemsSucceeded, op.ItemsFailed, op.Duration().Round(time.Millisecond))
			if op.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", op.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "sync a single template")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache and sync statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer core.Close()

			cacheStats, err := core.CacheStatistics(ctx)
			if err != nil {
				return err
			}
			syncStats, err := core.SyncStatistics(ctx)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"cache": cacheStats,
					"sync":  syncStats,
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Cache")
			fmt.Fprintf(w, "  Assets:      %d / %d items, %s / %s\n",
				cacheStats.ItemCount, cacheStats.MaxItemCount,
				humanize.IBytes(uint64(cacheStats.TotalSizeBytes)), humanize.IBytes(uint64(cacheStats.MaxSizeBytes)))
			fmt.Fprintf(w, "  Thumbnails:  %d / %d items, %s / %s\n",
				cacheStats.ThumbnailCount, cacheStats.MaxThumbnailCount,
				humanize.IBytes(uint64(cacheStats.ThumbnailSizeBytes)), humanize.IBytes(uint64(cacheStats.MaxThumbnailSizeBytes)))
			fmt.Fprintf(w, "  Pinned:      %d\n", cacheStats.PinnedCount)
			fmt.Fprintln(w, "Sync")
			last := "never"
			if syncStats.LastAttempt != nil {
				last = humanize.Time(*syncStats.LastAttempt)
			}
			fmt.Fprintf(w, "  Last attempt: %s\n", last)
			fmt.Fprintf(w, "  Passes:       %s success, %s partial, %s failure\n",
				humanize.Comma(int64(syncStats.SuccessCount)),
				humanize.Comma(int64(syncStats.PartialCount)),
				humanize.Comma(int64(syncStats.FailureCount)))
			return nil
		},
	}
}

func newClearValidationsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-validations",
		Short: "Delete all cached validation results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer core.Close()

			n, err := core.ClearValidationCache(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s validation records\n", humanize.Comma(n))
			return nil
		},
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			core, err := openCore(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.Start(ctx); err != nil {
				return err
			}
			select {
			case <-core.Ready():
				fmt.Fprintln(cmd.OutOrStdout(), "ScanVault core ready")
			case <-ctx.Done():
				return nil
			}
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down")
			return nil
		},
	}
}

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <secret>",
		Short: "Seal a secret for the config file on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := crypto.Seal(args[0], crypto.MachineKey())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
