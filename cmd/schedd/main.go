package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schedd/internal/config"
	"schedd/internal/logger"
)

var (
	envFile    string
	configFile string

	cfg *config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "schedd",
	Short: "schedd - distributed job scheduler",
	Long: `schedd runs one-time, periodic and cron jobs that call back an HTTP endpoint.

Every schedd process shares the job store in Redis; run as many as needed.

Examples:
  schedd serve                       # Run the scheduler, delivery workers and ops server
  schedd sweep                       # Remove jobs that can never fire again
  schedd jobs create -f job.json     # Schedule a job
  schedd jobs ls --user 42           # List a user's jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(envFile, configFile); err != nil {
			return err
		}
		if log, err = logger.New(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
