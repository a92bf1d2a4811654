package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/config"
	"github.com/omnibrowser/jobstream/internal/job"
	"github.com/omnibrowser/jobstream/internal/logger"
)

// app holds what every subcommand needs, opened once in PersistentPreRunE.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
	store      *job.SQLiteStore
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jobstream",
		Short:         "Run long jobs and stream their output to clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (overrides $"+config.EnvPrefix+"_CONFIG)")

	root.AddCommand(
		newServeCmd(a),
		newSweepCmd(a),
		newJobsCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) open() error {
	if a.configPath != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", a.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return err
	}
	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Error("open store", zap.String("path", cfg.DBPath), zap.Error(err))
		return err
	}
	a.cfg, a.log, a.store = cfg, log, store
	return nil
}

func (a *app) close() error {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return nil
}
