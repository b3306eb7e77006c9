// Package daemon implements the pusgate daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/pusgate/internal/command"
	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/decoder"
	logpkg "firestige.xyz/pusgate/internal/log"
	"firestige.xyz/pusgate/internal/metrics"
	"firestige.xyz/pusgate/internal/pipeline"
	"firestige.xyz/pusgate/internal/pool"
	"firestige.xyz/pusgate/internal/reporter/kafka"
	"firestige.xyz/pusgate/internal/schema"
	"firestige.xyz/pusgate/internal/storage"
	"firestige.xyz/pusgate/internal/tc"
)

// Daemon owns every long-lived component of a running gateway.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string

	sink          storage.Sink
	publishers    []pipeline.Publisher
	pools         *pool.Manager
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	udsDone       chan struct{}
	metricsServer *metrics.Server // nil if metrics disabled

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads the configuration at configPath and prepares a daemon. Non-empty
// socketPath and pidFile override the configured control paths.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig prepares a daemon from an already loaded configuration.
func NewWithConfig(cfg *config.GlobalConfig, configPath string) *Daemon {
	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting pusgate daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.config.Control.Socket,
	)

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.build(); err != nil {
		d.abort()
		return err
	}

	if err := d.startMetrics(); err != nil {
		d.abort()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	d.cmdHandler = command.NewCommandHandler(d.pools)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})

	d.udsServer = command.NewUDSServer(d.config.Control.Socket, d.cmdHandler)
	d.udsDone = make(chan struct{})
	go func() {
		defer close(d.udsDone)
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// Pools persisted by a previous run come back first so that an
	// auto_connect entry does not race its own restored state.
	d.pools.Restore(d.ctx)
	n := d.pools.AutoConnect(d.ctx)

	slog.Info("daemon started successfully", "pools", len(d.config.Pools), "connected", n)
	return nil
}

// build wires storage, schema, codecs, publishers and the pool manager.
func (d *Daemon) build() error {
	cfg := d.config

	provider := schema.Provider(schema.NewMemory())
	if cfg.Schema.Path != "" {
		mem, err := schema.Load(cfg.Schema.Path)
		if err != nil {
			return fmt.Errorf("failed to load schema: %w", err)
		}
		provider = mem
		slog.Info("schema loaded", "path", cfg.Schema.Path)
	} else {
		slog.Warn("no schema configured, telemetry is stored header-only")
	}

	checker, err := crc.New(cfg.Framing.CRC)
	if err != nil {
		return fmt.Errorf("%w: framing.crc: %v", core.ErrConfigInvalid, err)
	}

	if cfg.Storage.Driver == "duckdb" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	sink, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	d.sink = sink

	if cfg.Kafka.Enabled {
		pub, err := kafka.New(cfg.Kafka, cfg.Schema.EpochTime())
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		d.publishers = append(d.publishers, pub)
		slog.Info("kafka publisher enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	store, err := pool.NewFileStore(filepath.Join(cfg.DataDir, "pools"))
	if err != nil {
		return fmt.Errorf("failed to open pool store: %w", err)
	}

	d.pools, err = pool.NewManager(pool.Config{
		Sink:    sink,
		Decoder: decoder.NewPacketDecoder(provider),
		Commands: tc.NewBuilder(provider, nil, tc.Config{
			CRC:           checker,
			SourceID:      cfg.Command.SourceID,
			MaxPacketSize: cfg.Framing.MaxPacketSize,
		}),
		Framer:         decoder.FramerConfig{MaxPacketSize: cfg.Framing.MaxPacketSize, CRC: checker},
		BatchSize:      cfg.Storage.CommitBatchSize,
		CommitInterval: cfg.Storage.CommitInterval,
		ReadTimeout:    cfg.Ingest.ReadTimeout,
		ReadBuffer:     cfg.Ingest.ReadBuffer,
		MaxRawBytes:    cfg.Storage.MaxRawBytes,
		DialTimeout:    cfg.Ingest.DialTimeout,
		Publishers:     d.publishers,
		WarnLimiter: decoder.NewWarnLimiter(decoder.WarnLimiterConfig{
			MaxPerWindow: cfg.Framing.WarnLimit,
			Window:       cfg.Framing.WarnWindow,
		}),
		Store: store,
	}, cfg.Pools)
	if err != nil {
		return fmt.Errorf("failed to create pool manager: %w", err)
	}
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")

		// No new commands while pools drain.
		d.cancel()
		if d.udsDone != nil {
			<-d.udsDone
		}

		if d.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.metricsServer.Stop(shutdownCtx); err != nil {
				slog.Error("error stopping metrics server", "error", err)
			}
			cancel()
		}

		d.release()

		if d.sigChan != nil {
			signal.Stop(d.sigChan)
		}

		if err := d.removePIDFile(); err != nil {
			slog.Error("error removing PID file", "error", err)
		}

		slog.Info("daemon stopped gracefully")
		_ = logpkg.Close()
	})
}

// abort undoes a partial Start.
func (d *Daemon) abort() {
	d.cancel()
	d.release()
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
}

// release closes pools, then storage, then publishers. Every pool's final
// batch reaches storage before the sink closes.
func (d *Daemon) release() {
	if d.pools != nil {
		if err := d.pools.CloseAll(); err != nil {
			slog.Error("error closing pools", "error", err)
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			slog.Error("error closing storage", "error", err)
		}
		d.sink = nil
	}
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			slog.Error("error closing publisher", "publisher", p.Name(), "error", err)
		}
	}
	d.publishers = nil
}

// Run blocks until SIGTERM, SIGINT, daemon.shutdown or context
// cancellation. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file. Logging is applied in place;
// pool declarations that are new are declared, and everything else is
// reported as requiring a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return fmt.Errorf("%w: daemon was started without a config file", core.ErrConfigInvalid)
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	if err := logpkg.Init(newConfig.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log != d.config.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	for _, pc := range newConfig.Pools {
		if _, known := d.config.Pool(pc.Name); known {
			continue
		}
		if err := d.pools.Declare(pc); err != nil {
			slog.Warn("failed to declare pool from reloaded config", "pool", pc.Name, "error", err)
			continue
		}
		hotReloaded = append(hotReloaded, "pools."+pc.Name)
	}

	requiresRestart := []string{}
	if newConfig.Storage != d.config.Storage {
		requiresRestart = append(requiresRestart, "storage")
	}
	if newConfig.Schema != d.config.Schema {
		requiresRestart = append(requiresRestart, "schema")
	}
	if newConfig.Framing != d.config.Framing {
		requiresRestart = append(requiresRestart, "framing")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	// Control paths stay as started; the socket is already bound.
	newConfig.Control = d.config.Control
	d.config = newConfig

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Pools exposes the pool manager of a started daemon.
func (d *Daemon) Pools() *pool.Manager { return d.pools }

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.health)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return err
	}

	slog.Info("metrics server started",
		"addr", d.config.Metrics.Listen,
		"path", d.config.Metrics.Path,
	)
	return nil
}

// health reports the daemon unhealthy once shutdown has begun.
func (d *Daemon) health() error {
	if d.ctx.Err() != nil {
		return core.ErrDaemonNotRunning
	}
	return nil
}
