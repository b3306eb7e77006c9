package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/storage"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a pool's packets to parquet",
	Long: `Export the committed packets of a pool to a parquet file.

Examples:
  pusgate export --pool hk --out hk.parquet
  pusgate export --pool hk --from 1000 --to 2000 --apid 101 --out slice.parquet`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sink, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer sink.Close()

		f := storage.Filter{From: exportFrom, To: exportTo}
		if cmd.Flags().Changed("apid") {
			f.APID = &exportAPID
		}
		return runExport(cmd.Context(), sink, exportPool, f, exportOut, cmd.OutOrStdout())
	},
}

var (
	exportPool string
	exportOut  string
	exportFrom uint64
	exportTo   uint64
	exportAPID uint16
)

func init() {
	exportCmd.Flags().StringVar(&exportPool, "pool", "", "pool to export (required)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "parquet file to write (required)")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "first index, inclusive")
	exportCmd.Flags().Uint64Var(&exportTo, "to", 0, "last index, exclusive (0 = all)")
	exportCmd.Flags().Uint16Var(&exportAPID, "apid", 0, "only this APID")
	exportCmd.MarkFlagRequired("pool")
	exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, sink storage.Sink, pool string, f storage.Filter, path string, out io.Writer) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := storage.ExportParquet(ctx, sink, pool, f, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("export %s: %w", pool, err)
	}
	fmt.Fprintf(out, "wrote %d packets to %s\n", n, path)
	return nil
}
