// Package main provides the fieldsync command: the local sync daemon and
// operator commands over the same queue database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solarcrm/fieldsync/internal/config"
	"github.com/solarcrm/fieldsync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	// Global flags
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-durable submission queue for field sales",
	Long: `fieldsync keeps lead, checklist and media submissions in a local
queue and delivers them to the CRM backend once the device is online.

Run "fieldsync serve" to start the local API and background sync.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fieldsync.yaml", "config file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "queue database directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides config)")

	rootCmd.AddCommand(
		serveCmd,
		enqueueCmd,
		syncCmd,
		statusCmd,
		listCmd,
		duplicatesCmd,
		resolveCmd,
		retryCmd,
		clearSyncedCmd,
		deleteCmd,
		migrateCmd,
	)
}

// loadConfig loads the config file and applies command-line overrides,
// then installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	// Logs go to stderr so command output stays parseable.
	logging.SetGlobal(logging.New(os.Stderr, level))
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
