package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/api"
	"github.com/volunteerhub/signupdb/internal/appconfig"
	"github.com/volunteerhub/signupdb/internal/metrics"
	"github.com/volunteerhub/signupdb/verify"
	"github.com/volunteerhub/signupdb/volunteers"
)

func runServe(args []string) int {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	signupdb.InstallDriverLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("signupd stopped", zap.Error(err))
		return 1
	}
	logger.Info("signupd stopped")
	return 0
}

func serve(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg, cfg.MetricsNamespace)

	provider, err := openProvider(ctx, cfg, logger, signupdb.WithObserver(collector))
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("closing pool", zap.Error(err))
		}
	}()

	verifier, err := verify.New(cfg.Verify, verify.WithLogger(logger), verify.WithObserver(collector))
	if err != nil {
		return err
	}
	store := volunteers.NewStore(
		provider.Executor(signupdb.WithStatementObserver(collector)),
		volunteers.WithBcryptCost(cfg.BcryptCost),
		volunteers.WithLogger(logger),
	)
	handler := api.NewServer(store, verifier, provider,
		api.WithLogger(logger),
		api.WithRecorder(collector),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen), zap.String("version", signupdb.Version))
		errc <- srv.ListenAndServe()
	}()

	// Connect in the background so the first request does not pay for login.
	go func() {
		if _, err := provider.HealthProbe(ctx); err != nil {
			logger.Warn("initial connection failed", zap.Error(err))
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
