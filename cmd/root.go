package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/logger"
	"github.com/andresmejia3/vigil/internal/store"
)

var (
	// DB is the database connection shared by subcommands that persist or read outcomes.
	DB *store.Store
	// Cfg is the configuration after the file and environment are applied.
	Cfg *config.Config
	// Log is the root component logger.
	Log zerolog.Logger

	dbURL     string
	cfgPath   string
	logLevel  string
	logFormat string
)

// Version is the application version.
const Version = "0.1.0"

// needsDB marks commands that cannot run without PostgreSQL.
const needsDB = "db"

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Live video clip batching & inference dispatch",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		Cfg.ApplyEnv()
		if cmd.Flags().Changed("log-level") {
			Cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			Cfg.Log.Format = logFormat
		}

		Log, err = logger.New(Cfg.Log.Level, Cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}

		if _, ok := cmd.Annotations[needsDB]; ok {
			return openDB(cmd.Context())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// resolveDBURL prefers --db, then the POSTGRES_* environment, then a local default.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/vigil"
}

func openDB(ctx context.Context) error {
	var err error
	// Use the command's context (which will be cancellable) for the connection
	DB, err = store.New(ctx, resolveDBURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/vigil)")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}
