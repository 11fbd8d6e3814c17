package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cschleiden/instance-restarter/backend"
	"github.com/cschleiden/instance-restarter/client"
	"github.com/cschleiden/instance-restarter/internal/server"
	mprom "github.com/cschleiden/instance-restarter/metrics/prometheus"
	"github.com/cschleiden/instance-restarter/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func AddServeCommands(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run executions for events posted to /events",
		Long: `Starts an HTTP server accepting trigger events on POST /events and a worker running the
restart workflow for each of them. The diagnostics API is served under /diag/api/ and Prometheus
metrics under /metrics. On SIGINT or SIGTERM the server stops accepting events and running
executions get worker.drain_timeout to finish before they are canceled.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	serveCmd.Flags().String("addr", "", "listen address, overrides server.addr")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.WithoutCancel(ctx))

	activities, err := newActivities(cfg)
	if err != nil {
		return err
	}

	n, closeNotifier := newNotifier(cfg, logger)
	defer closeNotifier()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b, err := newBackend(cfg,
		backend.WithLogger(logger),
		backend.WithMetrics(mprom.New(reg)),
		backend.WithTracerProvider(tp),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	w := worker.New(b, activities, n, &worker.Options{
		Pollers:               cfg.Worker.Pollers,
		MaxParallelExecutions: cfg.Worker.MaxParallelExecutions,
		PollingInterval:       worker.DefaultOptions.PollingInterval,
		HeartbeatInterval:     cfg.Worker.HeartbeatInterval,
		DrainTimeout:          cfg.Worker.DrainTimeout,
		ExecutorOptions:       cfg.ExecutorOptions(),
	})

	if err := w.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(client.New(b), b, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", cfg.Server.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		_ = w.WaitForCompletion()
		return fmt.Errorf("serving: %w", err)
	}

	// A second signal terminates right away
	stop()

	logger.Info("shutting down", "drain_timeout", cfg.Worker.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("could not shut down server", "error", err)
	}

	return w.WaitForCompletion()
}
