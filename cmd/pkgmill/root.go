package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/config"
	"github.com/pkgmill/pkgmill/internal/cycle"
	"github.com/pkgmill/pkgmill/internal/gitops"
	"github.com/pkgmill/pkgmill/internal/nvchecker"
)

type rootFlags struct {
	configPath string
	baseDir    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "pkgmill [package...]",
		Short:         "pkgmill schedules and builds updated packages for a rolling repository",
		Long:          "pkgmill determines which packages need rebuilding, orders them by dependency, drives a bounded worker pool, and records state so the next run is incremental. Positional arguments force-build the named packages.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), flags, args)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "pkgmill.conf.yaml", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&flags.baseDir, "base-dir", "", "Directory for lock, state, and logs (defaults to the config file's directory)")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func runCycle(ctx context.Context, flags *rootFlags, packages []string) error {
	cfg, err := config.ParseConfig(flags.configPath)
	if err != nil {
		return err
	}

	baseDir := flags.baseDir
	if baseDir == "" {
		baseDir = filepath.Dir(flags.configPath)
	}

	repo, err := gitops.Open(cfg.Repository.Path)
	if err != nil {
		return err
	}

	checker := &nvchecker.External{
		Cmd:     cfg.Nvchecker.Cmd,
		TakeCmd: cfg.Nvchecker.TakeCmd,
		Proxy:   cfg.Nvchecker.Proxy,
	}
	build := &builder.CommandBuilder{
		Argv:       cfg.Builder.Cmd,
		RepoDir:    cfg.Repository.Path,
		Env:        cfg.Envvars,
		Bindmounts: cfg.BindmountArgs(),
	}

	// User interrupt stops dispatching; running builds complete and state is
	// persisted before exit.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := cycle.Run(ctx, cycle.Options{
		Config:   cfg,
		BaseDir:  baseDir,
		Packages: packages,
	}, cycle.Deps{
		Repo:          repo,
		Checker:       checker,
		Taker:         checker,
		Builder:       build,
		ConsoleWriter: os.Stdout,
	})
	if summary != nil {
		printSummary(os.Stdout, summary)
	}
	if err != nil && ctx.Err() != nil {
		// Interrupted: state was persisted, exit cleanly.
		return nil
	}
	return err
}
