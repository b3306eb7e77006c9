package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/command"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage ingestion pools on the daemon",
	Long: `Manage ingestion pools on the pusgate daemon.

Subcommands:
  connect  - Dial a pool's link and start ingesting
  pause    - Stop reading from a pool's link
  resume   - Resume a paused pool
  close    - Flush and disconnect a pool
  status   - Show one or all pools`,
}

var poolConnectCmd = &cobra.Command{
	Use:   "connect <pool>",
	Short: "Connect a pool",
	Long: `Connect a declared pool. With --address the pool is declared (or
redeclared) first, so pools missing from the config can be added at runtime.

Examples:
  pusgate pool connect hk
  pusgate pool connect uplink --address 10.0.0.5:5001 --mode tc`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPoolConnect(cmd.Context(), newClient(), command.PoolParams{
			Pool:    args[0],
			Address: connectAddress,
			Mode:    connectMode,
		}, cmd.OutOrStdout())
	},
}

var poolStatusCmd = &cobra.Command{
	Use:   "status [pool]",
	Short: "Show pool status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		return runPoolStatus(cmd.Context(), newClient(), name, cmd.OutOrStdout(), poolStatusJSON)
	},
}

var (
	connectAddress string
	connectMode    string
	poolStatusJSON bool
)

func init() {
	poolConnectCmd.Flags().StringVar(&connectAddress, "address", "", "link address host:port")
	poolConnectCmd.Flags().StringVar(&connectMode, "mode", "", "tm or tc (default tm)")
	poolStatusCmd.Flags().BoolVar(&poolStatusJSON, "json", false, "print raw JSON")

	poolCmd.AddCommand(poolConnectCmd)
	poolCmd.AddCommand(poolActionCmd("pause", "Pause a pool", "paused", controlClient.PoolPause))
	poolCmd.AddCommand(poolActionCmd("resume", "Resume a paused pool", "resumed", controlClient.PoolResume))
	poolCmd.AddCommand(poolActionCmd("close", "Close a pool", "closed", controlClient.PoolClose))
	poolCmd.AddCommand(poolStatusCmd)
	rootCmd.AddCommand(poolCmd)
}

type poolAction func(c controlClient, ctx context.Context, name string) error

func poolActionCmd(use, short, done string, action poolAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pool>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoolAction(cmd.Context(), newClient(), action, args[0], done, cmd.OutOrStdout())
		},
	}
}

func runPoolConnect(ctx context.Context, c controlClient, p command.PoolParams, out io.Writer) error {
	if err := c.PoolConnect(ctx, p); err != nil {
		return fmt.Errorf("failed to connect pool %s: %w", p.Pool, err)
	}
	fmt.Fprintf(out, "pool %s connected\n", p.Pool)
	return nil
}

func runPoolAction(ctx context.Context, c controlClient, action poolAction, name, done string, out io.Writer) error {
	if err := action(c, ctx, name); err != nil {
		return fmt.Errorf("pool %s: %w", name, err)
	}
	fmt.Fprintf(out, "pool %s %s\n", name, done)
	return nil
}

func runPoolStatus(ctx context.Context, c controlClient, name string, out io.Writer, asJSON bool) error {
	pools, err := c.PoolStatus(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to query pools: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pools)
	}
	if len(pools) == 0 {
		fmt.Fprintln(out, "no pools declared")
		return nil
	}
	printPools(out, pools)
	return nil
}
