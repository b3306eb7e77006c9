package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and mission database",
	Long: `Load and validate the configuration file and the mission database it
names (or --schema) without starting the daemon.

Examples:
  pusgate validate -c /etc/pusgate/pusgate.yml
  pusgate validate --schema mib.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().StringVar(&schemaFile, "schema", "", "mission database (default: schema.path)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(out io.Writer) error {
	o, err := loadOffline(false)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "config: %d pool(s), storage %s, crc %s\n",
		len(o.cfg.Pools), o.cfg.Storage.Driver, o.checker.Name())

	if mem, ok := o.provider.(*schema.Memory); ok {
		tm, tcs, cals := mem.Stats()
		fmt.Fprintf(out, "schema: %d tm layout(s), %d tc command(s), %d calibration(s)\n", tm, tcs, cals)
		if err := printCommands(out, mem); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "VALID")
	return nil
}

// printCommands lists the telecommands of mem with their argument counts.
func printCommands(out io.Writer, mem *schema.Memory) error {
	names := mem.Mnemonics()
	if len(names) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MNEMONIC\tSERVICE\tAPID\tARGS")
	for _, name := range names {
		def, err := mem.LookupTC(name)
		if err != nil {
			return err
		}
		args := fmt.Sprint(def.Schema.Editable())
		if def.Schema.HasGroups() {
			args += "+"
		}
		fmt.Fprintf(w, "%s\t%d/%d\t0x%03X\t%s\n", name, def.ServiceType, def.Subtype, def.APID, args)
	}
	return w.Flush()
}
