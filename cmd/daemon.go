package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pusgate daemon in foreground",
	Long: `Run the pusgate daemon in foreground.

The daemon will:
  1. Load configuration and the mission database
  2. Open packet storage and start the metrics server
  3. Start the control socket
  4. Restore pools from the last run and connect auto_connect pools
  5. Stop gracefully on SIGTERM, SIGINT or daemon.shutdown; reload on SIGHUP`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}

	d := daemon.NewWithConfig(cfg, configPathInUse())
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
