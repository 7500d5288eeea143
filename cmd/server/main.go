// Command server runs the settlement engine: the session API, the collection scheduler and
// a Prometheus metrics endpoint. Sessions left running by a previous process are resumed on
// startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"solana-settlement/internal/api"
	"solana-settlement/internal/config"
	"solana-settlement/internal/observability"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "settlement-server",
		Short: "Capital-protected multi-wallet settlement engine",
		Long: `Runs trading sessions across generated wallets, collects their balances back to the
vault on a jittered schedule and pays the consolidated result to the user.`,
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	app.scheduler.Start(ctx)

	if cfg.Engine.Resume {
		n, err := app.engine.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume sessions: %w", err)
		}
		logger.WithField("sessions", n).Info("Resumed running sessions")
	}

	apiServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(app.engine, logger).Handler(),
	}
	errCh := make(chan error, 2)
	go serve(apiServer, "api", logger, errCh)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go serve(metricsServer, "metrics", logger, errCh)
	}

	logger.WithField("addr", cfg.Server.Addr).Info("Settlement server is running")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Metrics server shutdown")
		}
	}
	// Running sessions keep their persisted phase and resume on the next start.
	if err := app.engine.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Engine shutdown did not finish")
	}
	app.scheduler.Stop()

	logger.Info("Settlement server stopped")
	return nil
}

func serve(srv *http.Server, name string, logger logrus.FieldLogger, errCh chan<- error) {
	logger.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
