// Command pusgate is the PUS telemetry and telecommand gateway.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/pusgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
