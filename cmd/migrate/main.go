// Command migrate applies the embedded Postgres and ClickHouse migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"solana-settlement/internal/config"
	"solana-settlement/internal/storage/migrations"
	pgstore "solana-settlement/internal/storage/postgres"
)

var (
	cfgFile        string
	envFile        string
	skipClickhouse bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "settlement-migrate",
		Short:        "Apply settlement database migrations",
		SilenceUsage: true,
		RunE:         runMigrate,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.Flags().BoolVar(&skipClickhouse, "skip-clickhouse", false, "only migrate Postgres")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required")
	}
	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("Applied Postgres migration")
	}
	logger.WithField("applied", len(applied)).Info("Postgres is up to date")

	if skipClickhouse || cfg.Storage.ClickHouseDSN == "" {
		return nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("clickhouse migrations: %w", err)
	}
	defer conn.Close()
	logger.Info("ClickHouse is up to date")
	return nil
}
