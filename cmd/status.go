package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and pool status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout(), statusJSON)
	},
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, c controlClient, out io.Writer, asJSON bool) error {
	info, err := c.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon: %w", err)
	}
	pools, err := c.PoolStatus(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to query pools: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"daemon": info, "pools": pools})
	}

	fmt.Fprintf(out, "version: %v  uptime: %vs  connected pools: %v\n\n",
		info["version"], info["uptime_sec"], info["connected"])
	printPools(out, pools)
	return nil
}

func printPools(out io.Writer, pools []pool.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tMODE\tSTATE\tADDRESS\tFRAMES\tSTORED\tTRASH\tERRORS\tPENDING\tLAST ERROR")
	for _, p := range pools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			p.Pool, p.Mode, p.State, p.Address,
			p.Frames, p.Stored, p.TrashBytes, p.DecodeErrors+p.StorageErrors, p.Pending,
			p.LastError)
	}
	w.Flush()
}
