package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/command"
	"firestige.xyz/pusgate/internal/tc"
)

var buildCmd = &cobra.Command{
	Use:   "build <mnemonic> [args...]",
	Short: "Encode a telecommand",
	Long: `Encode a telecommand from the mission database and print it as hex.

Arguments are given in schema order; group counters are followed by the
repeated block. Text aliases (e.g. ON) and engineering values are converted
to raw values. With --send the daemon builds the command and writes it to a
TC pool, drawing the sequence count from its own counters.

Examples:
  pusgate build --schema mib.yml PING
  pusgate build SET_HEATER ON --ack 9
  pusgate build SET_HEATER ON --send uplink`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ack *uint8
		if cmd.Flags().Changed("ack") {
			ack = &buildAck
		}
		values := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			values = append(values, a)
		}

		if buildSend != "" {
			return runSend(cmd.Context(), newClient(), command.TCSendParams{
				Pool:       buildSend,
				Mnemonic:   args[0],
				Args:       values,
				Ack:        ack,
				NoValidate: buildNoValidate,
			}, cmd.OutOrStdout())
		}

		o, err := loadOffline(true)
		if err != nil {
			return err
		}
		b := tc.NewBuilder(o.provider, nil, tc.Config{
			CRC:           o.checker,
			SourceID:      o.cfg.Command.SourceID,
			MaxPacketSize: o.cfg.Framing.MaxPacketSize,
		})
		return runBuild(b, args[0], values, tc.Options{Ack: ack, NoValidate: buildNoValidate}, cmd.OutOrStdout())
	},
}

var (
	buildAck        uint8
	buildNoValidate bool
	buildSend       string
)

func init() {
	buildCmd.Flags().Uint8Var(&buildAck, "ack", 0, "acknowledgement flags (0-15), overrides the database")
	buildCmd.Flags().BoolVar(&buildNoValidate, "no-validate", false, "skip range checks and alias validation")
	buildCmd.Flags().StringVar(&buildSend, "send", "", "send through the daemon on this TC pool")
	buildCmd.Flags().StringVar(&schemaFile, "schema", "", "mission database (default: schema.path)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(b *tc.Builder, mnemonic string, args []any, opts tc.Options, out io.Writer) error {
	built, err := b.Build(mnemonic, args, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(built.Bytes))
	return nil
}

func runSend(ctx context.Context, c controlClient, p command.TCSendParams, out io.Writer) error {
	res, err := c.TCSend(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to send %s on %s: %w", p.Mnemonic, p.Pool, err)
	}
	fmt.Fprintf(out, "%s apid=%d seq=%d service=%d/%d\n", res.Hex, res.APID, res.SeqCount, res.Service, res.Subtype)
	return nil
}
