package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/delta-report/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "reportd ingests test launch reports and runs post-launch analyses",
	Long: `reportd is the delta-report server.

It accepts launch lifecycle events over HTTP, routes them through an ordered
broker (in-memory consistent-hash queues or Cloud Pub/Sub), persists them to
Postgres and runs auto analysis, pattern analysis, unique error clustering and
email notification once a launch finishes.

Configuration is read from an optional YAML file, a .env file and
DELTA_REPORT_* environment variables, for example:
    DELTA_REPORT_DATABASE_URL   Postgres DSN
    DELTA_REPORT_BROKER_KIND    memory | pubsub`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reportd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
