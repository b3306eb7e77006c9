package cmd

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the pusgate daemon",
	Long: `Stop the pusgate daemon gracefully.

The daemon.shutdown command is sent over the control socket. Pools flush
their pending batches to storage before the daemon exits. With --signal the
daemon is sent SIGTERM via its PID file instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stopSignal {
			return signalDaemon(syscall.SIGTERM, cmd.OutOrStdout())
		}
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Long: `Send SIGHUP to the daemon. Logging settings and newly declared pools
take effect at once; storage, schema, framing and metrics changes need a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, cmd.OutOrStdout())
	},
}

var stopSignal bool

func init() {
	stopCmd.Flags().BoolVar(&stopSignal, "signal", false, "send SIGTERM via the PID file")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
}

func runStop(ctx context.Context, c controlClient, out io.Writer) error {
	if err := c.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "daemon shutting down")
	return nil
}

func signalDaemon(sig syscall.Signal, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Control.PIDFile
	if pidFile != "" {
		path = pidFile
	}

	if sig == syscall.SIGTERM {
		if err := daemon.Signal(path, 10*time.Second); err != nil {
			return err
		}
		fmt.Fprintln(out, "daemon stopped")
		return nil
	}

	pid, ok := daemon.Running(path)
	if !ok {
		return fmt.Errorf("%w: no live process in %s", core.ErrDaemonNotRunning, path)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to signal daemon %d: %w", pid, err)
	}
	fmt.Fprintf(out, "sent %s to daemon %d\n", sig, pid)
	return nil
}
