package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/scheduler"
	"github.com/omnibrowser/jobstream/internal/webhook"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stale-job and retention pass, then exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := newBus(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			sender := webhook.NewSender(webhook.Options{Logger: a.log.Named("webhook")})
			defer sender.Wait()

			sup := scheduler.New(a.store, b, scheduler.Options{
				StaleAfter: a.cfg.StaleAfter,
				Retention:  a.cfg.Retention,
				Notifier:   sender,
				Logger:     a.log,
			})
			report, err := sup.Sweep(ctx)
			if err != nil {
				a.log.Error("sweep", zap.Error(err))
				return err
			}
			return printJSON(report)
		},
	}
}
