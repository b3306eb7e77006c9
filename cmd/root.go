// Package cmd implements the pusgate command line.
package cmd

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pusgate/internal/command"
	"firestige.xyz/pusgate/internal/config"
)

const defaultConfigFile = "/etc/pusgate/pusgate.yml"

var (
	configFile     string
	socketPath     string
	controlTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pusgate",
	Short: "PUS telemetry and telecommand gateway",
	Long: `pusgate frames, decodes and stores PUS telemetry from ground station links
and encodes telecommands from a mission database.

The daemon owns the links and storage. The remaining commands either talk
to it over its control socket (pool, build --send, status, stop) or work
offline on files (decode, replay, export, validate).`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")
	rootCmd.PersistentFlags().DurationVar(&controlTimeout, "timeout", 10*time.Second,
		"control socket timeout")
}

// configPathInUse returns the config file to load. The default path may be
// absent, in which case defaults and PUSGATE_* variables apply.
func configPathInUse() string {
	if configFile == defaultConfigFile {
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			return ""
		}
	}
	return configFile
}

func loadConfig() (*config.GlobalConfig, error) {
	return config.Load(configPathInUse())
}

// controlSocket resolves the daemon socket from the flag or the config.
func controlSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := loadConfig(); err == nil {
		return cfg.Control.Socket
	}
	return "/var/run/pusgate.sock"
}
