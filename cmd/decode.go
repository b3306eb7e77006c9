package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/decoder"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [hex...]",
	Short: "Decode packets from hex or a raw stream file",
	Long: `Decode PUS packets with the mission database and print one JSON object
per packet.

Each hex argument is one packet. With --file the file is treated as a raw
byte stream: it is framed first and bytes between valid packets are skipped.

Examples:
  pusgate decode --schema mib.yml 0819c0010009100319000000000a00008c6f
  pusgate decode --schema mib.yml --file dump.bin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if decodeFile == "" && len(args) == 0 {
			return fmt.Errorf("give hex packets or --file")
		}
		o, err := loadOffline(false)
		if err != nil {
			return err
		}
		dec := decoder.NewPacketDecoder(o.provider)
		if decodeFile != "" {
			f, err := os.Open(decodeFile)
			if err != nil {
				return err
			}
			defer f.Close()
			return decodeStream(f, dec, o.framer(), o.cfg.Schema.EpochTime(), cmd.OutOrStdout())
		}
		return decodeHex(args, dec, o.checker, o.cfg.Schema.EpochTime(), cmd.OutOrStdout())
	},
}

var decodeFile string

func init() {
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "", "raw packet stream to frame and decode")
	decodeCmd.Flags().StringVar(&schemaFile, "schema", "", "mission database (default: schema.path)")
	rootCmd.AddCommand(decodeCmd)
}

// decodeHex decodes each argument as one packet. Packets failing the CRC are
// still decoded and carry the mismatch as their error.
func decodeHex(args []string, dec decoder.Decoder, checker *crc.Checker, epoch time.Time, out io.Writer) error {
	enc := json.NewEncoder(out)
	for _, arg := range args {
		raw, err := hex.DecodeString(strings.Join(strings.Fields(arg), ""))
		if err != nil {
			return fmt.Errorf("invalid hex %q: %w", arg, err)
		}
		v := decodeOne(dec, raw, epoch)
		if err := checker.Verify(raw); err != nil && v.Error == "" {
			v.Error = err.Error()
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// decodeStream frames r and decodes every packet found in it.
func decodeStream(r io.Reader, dec decoder.Decoder, cfg decoder.FramerConfig, epoch time.Time, out io.Writer) error {
	framer := decoder.NewFramer(cfg)
	enc := json.NewEncoder(out)
	var encErr error
	emit := func(pkt []byte) {
		if encErr == nil {
			encErr = enc.Encode(decodeOne(dec, pkt, epoch))
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n], emit)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	framer.Flush(emit)

	st := framer.Stats()
	fmt.Fprintf(os.Stderr, "frames: %d  trash bytes: %d\n", st.Frames, st.TrashBytes)
	return encErr
}

// decodeOne decodes raw, keeping whatever header was recovered on error.
func decodeOne(dec decoder.Decoder, raw []byte, epoch time.Time) decoder.PacketView {
	pkt, err := dec.Decode(raw)
	pkt.Err = err
	return pkt.View("", epoch)
}
