// Package main provides syncctl, an operator CLI for the offline mutation
// queue. It opens the same SQLite database the desktop server uses, so stop
// the server before changing state with it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/offline"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/transport/httpexec"
)

// Version is set at build time
var Version = "0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and repair the offline mutation queue",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := logging.LevelWarn
			if opts.Verbose {
				level = logging.LevelDebug
			}
			// Logs go to stderr so JSON output stays parseable.
			logging.SetGlobal(logging.New(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./offlinesync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "queue database path (overrides database.path)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newMutationCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newDBCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads configuration and applies command-line overrides. The CLI
// never schedules or probes on its own.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}
	cfg.Scheduler.Enabled = false
	cfg.Connectivity.ProbeURL = ""
	return cfg, nil
}

// errNoBackend is returned by the executor of offline CLI sessions. Those
// sessions start offline, so it is only reached if something forces a pass.
func errNoBackend(context.Context, *models.Mutation) (syncpkg.Result, error) {
	return syncpkg.Result{}, apperrors.Transient(errors.New("no backend configured"))
}

// withSession opens an offline session over the configured queue database,
// runs fn and closes the session.
func withSession(ctx context.Context, opts *RootOptions, online bool, fn func(*offline.Session) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	execute := syncpkg.Executor(errNoBackend)
	if online {
		ex, err := httpexec.New(cfg.Backend.BaseURL, nil)
		if err != nil {
			return err
		}
		execute = ex.Execute
	}

	session, err := offline.Open(ctx, offline.Options{
		Config:  cfg,
		Execute: execute,
		Offline: !online,
	})
	if err != nil {
		return err
	}

	runErr := fn(session)
	if closeErr := session.Close(ctx); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}
