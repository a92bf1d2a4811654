package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/api"
	"github.com/omnibrowser/jobstream/internal/gateway"
	"github.com/omnibrowser/jobstream/internal/queue"
	"github.com/omnibrowser/jobstream/internal/scheduler"
	"github.com/omnibrowser/jobstream/internal/webhook"
	"github.com/omnibrowser/jobstream/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and WebSocket server with its workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg, log, store := a.cfg, a.log, a.store

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBus(ctx, cfg, log)
	if err != nil {
		log.Error("connect bus", zap.String("bus", cfg.Bus), zap.Error(err))
		return err
	}
	defer b.Close()

	controls := worker.NewControls(log)
	if err := controls.Listen(ctx, b); err != nil {
		log.Error("listen for control signals", zap.Error(err))
		return err
	}
	registry := newRegistry(cfg)
	w := worker.New(store, b, controls, worker.Options{
		CheckpointInterval: cfg.CheckpointInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		Logger:             log.Named("worker"),
	})
	sender := webhook.NewSender(webhook.Options{Logger: log.Named("webhook")})
	q := queue.New(store, w, registry, sender, queue.Options{
		Concurrency: cfg.Concurrency,
		Size:        cfg.QueueSize,
		Logger:      log.Named("queue"),
	})

	gw, err := gateway.New(store, b, q, registry, gateway.Options{
		BacklogCapacity: cfg.BacklogCapacity,
		BacklogJobs:     cfg.BacklogJobs,
		ReplayLimit:     cfg.ReplayLimit,
		ReorderWait:     cfg.ReorderWait,
		Notifier:        sender,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	sup := scheduler.New(store, b, scheduler.Options{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.StaleAfter,
		Retention:  cfg.Retention,
		AutoResume: cfg.AutoResume,
		Dispatcher: q,
		Notifier:   sender,
		Logger:     log,
	})

	if cfg.RecoverOnStart {
		if _, err := sup.Recover(ctx); err != nil {
			log.Error("recovery", zap.Error(err))
			return err
		}
	}

	// Workers outlive the signal so running jobs can checkpoint and pause.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	q.Start(workCtx)

	go func() {
		if err := gw.Run(ctx); err != nil {
			log.Error("gateway", zap.Error(err))
		}
	}()
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	api.NewHandler(store, gw, q, sup, cfg.CORSOrigins, log.Named("api")).RegisterRoutes(mux)
	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(log.Named("http")),
		api.Auth(newAuthenticator(cfg)),
		api.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("jobstream listening", zap.String("addr", cfg.ListenAddr), zap.String("bus", cfg.Bus))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			stopWorkers()
			q.Wait()
			return err
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
		_ = srv.Close()
	}
	stopWorkers()
	q.Wait()
	sender.Wait()
	log.Info("stopped")
	return nil
}
