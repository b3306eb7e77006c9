package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/pipeline"
	"firestige.xyz/pusgate/internal/replay"
	"firestige.xyz/pusgate/internal/storage"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Ingest a capture or raw dump into a pool",
	Long: `Ingest recorded telemetry into a pool's storage as if it had arrived on
the link. pcap and pcapng captures are reassembled per TCP stream; --raw
treats the file as a plain byte stream.

Storage is opened directly, so the daemon must not hold the same database.

Examples:
  pusgate replay --pool hk pass-0412.pcapng --port 5000
  pusgate replay --pool hk --raw dump.bin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := loadOffline(false)
		if err != nil {
			return err
		}
		sink, err := storage.Open(o.cfg.Storage.Driver, o.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer sink.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		b := pipeline.NewBuilder(replayPool).
			WithDecoder(decoder.NewPacketDecoder(o.provider)).
			WithFramer(o.framer()).
			WithSink(sink).
			WithCommit(o.cfg.Storage.CommitBatchSize, o.cfg.Storage.CommitInterval).
			WithMaxRawBytes(o.cfg.Storage.MaxRawBytes)
		return runReplay(cmd.Context(), b, f, replay.Options{Port: replayPort, Framer: o.framer()}, replayRaw, cmd.OutOrStdout())
	},
}

var (
	replayPool string
	replayPort uint16
	replayRaw  bool
)

func init() {
	replayCmd.Flags().StringVar(&replayPool, "pool", "", "target pool (required)")
	replayCmd.Flags().Uint16Var(&replayPort, "port", 0, "only TCP segments from this source port")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "file is a raw byte stream, not a capture")
	replayCmd.Flags().StringVar(&schemaFile, "schema", "", "mission database (default: schema.path)")
	replayCmd.MarkFlagRequired("pool")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(ctx context.Context, b *pipeline.Builder, r io.Reader, opts replay.Options, raw bool, out io.Writer) error {
	src := func(emit replay.Emit) (replay.Stats, error) {
		if raw {
			return replay.Raw(r, opts, emit)
		}
		return replay.Pcap(r, opts, emit)
	}
	rs, ps, err := replay.ToPool(ctx, b, src)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pool %s: %d frames, %d stored (next index %d), %d idle, %d decode errors, %d trash bytes",
		ps.Pool, rs.Frames, ps.Stored, ps.NextIndex, ps.Idle, ps.DecodeErrors, rs.TrashBytes)
	if !raw {
		fmt.Fprintf(out, ", %d streams", rs.Streams)
	}
	fmt.Fprintln(out)
	return nil
}
