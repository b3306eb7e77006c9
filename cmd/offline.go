package cmd

import (
	"fmt"
	"log/slog"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/schema"
)

// schemaFile overrides schema.path for offline commands.
var schemaFile string

// offline bundles what the file based commands need from the config.
type offline struct {
	cfg      *config.GlobalConfig
	provider schema.Provider
	checker  *crc.Checker
}

func loadOffline(requireSchema bool) (*offline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.Schema.Path
	if schemaFile != "" {
		path = schemaFile
	}

	o := &offline{cfg: cfg, provider: schema.NewMemory()}
	if path != "" {
		mem, err := schema.Load(path)
		if err != nil {
			return nil, err
		}
		o.provider = mem
	} else if requireSchema {
		return nil, fmt.Errorf("no schema: set --schema or schema.path")
	} else {
		slog.Debug("no schema configured, decoding headers only")
	}

	o.checker, err = crc.New(cfg.Framing.CRC)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *offline) framer() decoder.FramerConfig {
	return decoder.FramerConfig{MaxPacketSize: o.cfg.Framing.MaxPacketSize, CRC: o.checker}
}
