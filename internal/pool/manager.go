// Package pool manages the set of ingestion pools and their connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/pipeline"
	"firestige.xyz/pusgate/internal/storage"
	"firestige.xyz/pusgate/internal/tc"
)

const defaultDialTimeout = 5 * time.Second

// Dialer opens the link for a pool.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Config carries the shared resources every pool is built from.
type Config struct {
	Sink           storage.Sink
	Decoder        decoder.Decoder
	Commands       *tc.Builder
	Framer         decoder.FramerConfig
	BatchSize      int
	CommitInterval time.Duration
	ReadTimeout    time.Duration
	ReadBuffer     int
	MaxRawBytes    int
	DialTimeout    time.Duration
	Publishers     []pipeline.Publisher
	WarnLimiter    *decoder.WarnLimiter
	Store          Store  // nil disables persistence
	Dial           Dialer // nil dials TCP
}

// Status is one pool's status snapshot.
type Status struct {
	pipeline.Stats
	Address     string `json:"address"`
	AutoConnect bool   `json:"auto_connect"`
	LastError   string `json:"last_error,omitempty"`
}

// Manager owns declared pools and their live ingesters.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	declared   map[string]config.PoolConfig
	active     map[string]*pipeline.Ingester
	connecting map[string]struct{} // dial in progress
	lastErr    map[string]string
}

// NewManager creates a manager with the given pool declarations.
func NewManager(cfg Config, pools []config.PoolConfig) (*Manager, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: pool manager needs a storage sink", core.ErrConfigInvalid)
	}
	if cfg.Store == nil {
		cfg.Store = noopStore{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dial == nil {
		timeout := cfg.DialTimeout
		cfg.Dial = func(ctx context.Context, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", address)
		}
	}

	m := &Manager{
		cfg:        cfg,
		declared:   make(map[string]config.PoolConfig, len(pools)),
		active:     make(map[string]*pipeline.Ingester),
		connecting: make(map[string]struct{}),
		lastErr:    make(map[string]string),
	}
	for _, pc := range pools {
		if err := m.Declare(pc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Declare adds or replaces a pool declaration. A connected pool cannot be
// redeclared.
func (m *Manager) Declare(pc config.PoolConfig) error {
	if pc.Mode == "" {
		pc.Mode = string(pipeline.ModeTM)
	}
	if err := pc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.busy(pc.Name); err != nil {
		return err
	}
	m.declared[pc.Name] = pc
	return nil
}

// busy reports a pool that is connected or being connected. m.mu is held.
func (m *Manager) busy(name string) error {
	if _, live := m.active[name]; live {
		return fmt.Errorf("%w: %s is connected", core.ErrPoolAlreadyExists, name)
	}
	if _, dialing := m.connecting[name]; dialing {
		return fmt.Errorf("%w: %s is connecting", core.ErrPoolAlreadyExists, name)
	}
	return nil
}

// Connect dials the pool's link and starts ingesting into storage. The
// dial runs without the manager lock so other pools stay responsive.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.Lock()
	pc, ok := m.declared[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrPoolNotFound, name)
	}
	if err := m.busy(name); err != nil {
		m.mu.Unlock()
		return err
	}
	m.connecting[name] = struct{}{}
	m.mu.Unlock()

	slog.Info("connecting pool", "pool", name, "address", pc.Address, "mode", pc.Mode)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dial(dialCtx, pc.Address)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connecting, name)
	if err != nil {
		m.failed(pc, err)
		return fmt.Errorf("pool %s: dial %s: %w", name, pc.Address, err)
	}

	in, err := pipeline.NewBuilder(name).
		WithMode(pipeline.Mode(pc.Mode)).
		WithConn(conn).
		WithDecoder(m.cfg.Decoder).
		WithFramer(m.cfg.Framer).
		WithSink(m.cfg.Sink).
		WithCommit(m.cfg.BatchSize, m.cfg.CommitInterval).
		WithReadTimeout(m.cfg.ReadTimeout).
		WithMaxRawBytes(m.cfg.MaxRawBytes).
		WithPublishers(m.cfg.Publishers...).
		WithWarnLimiter(m.cfg.WarnLimiter).
		Build()
	if err != nil {
		_ = conn.Close()
		return err
	}
	// the worker outlives the request that connected it
	if err := in.Start(context.WithoutCancel(ctx)); err != nil {
		_ = conn.Close()
		m.failed(pc, err)
		return err
	}

	m.active[name] = in
	delete(m.lastErr, name)
	m.save(pc, pipeline.StateConnected.String(), "")
	go m.watch(pc, in)
	return nil
}

// watch forgets an ingester once it has closed, whoever closed it.
func (m *Manager) watch(pc config.PoolConfig, in *pipeline.Ingester) {
	<-in.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[pc.Name] != in {
		return
	}
	delete(m.active, pc.Name)
	msg := ""
	if err := in.Err(); err != nil {
		msg = err.Error()
		m.lastErr[pc.Name] = msg
	}
	m.save(pc, pipeline.StateClosed.String(), msg)
}

// Pause suspends reading on a connected pool.
func (m *Manager) Pause(name string) error {
	in, err := m.get(name)
	if err != nil {
		return err
	}
	if err := in.Pause(); err != nil {
		return err
	}
	m.saveNamed(name, pipeline.StatePaused.String())
	return nil
}

// Resume restarts reading on a paused pool.
func (m *Manager) Resume(name string) error {
	in, err := m.get(name)
	if err != nil {
		return err
	}
	if err := in.Resume(); err != nil {
		return err
	}
	m.saveNamed(name, pipeline.StateConnected.String())
	return nil
}

// Close disconnects a pool after committing its pending batch.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	in, ok := m.active[name]
	if !ok {
		m.mu.Unlock()
		if _, declared := m.declaredPool(name); !declared {
			return fmt.Errorf("%w: %s", core.ErrPoolNotFound, name)
		}
		return fmt.Errorf("%w: %s", core.ErrPoolClosed, name)
	}
	delete(m.active, name)
	pc := m.declared[name]
	m.mu.Unlock()

	err := in.Close()
	m.save(pc, pipeline.StateClosed.String(), "")
	slog.Info("pool disconnected", "pool", name)
	return err
}

// Status returns a snapshot for the named pool, or for all declared pools
// sorted by name when name is empty.
func (m *Manager) Status(name string) ([]Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	if name != "" {
		if _, ok := m.declared[name]; !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrPoolNotFound, name)
		}
		names = []string{name}
	} else {
		for n := range m.declared {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	out := make([]Status, 0, len(names))
	for _, n := range names {
		pc := m.declared[n]
		st := Status{
			Address:     pc.Address,
			AutoConnect: pc.AutoConnect,
			LastError:   m.lastErr[n],
		}
		if in, live := m.active[n]; live {
			st.Stats = in.Stats()
		} else {
			st.Stats = pipeline.Stats{
				Pool:    n,
				State:   pipeline.StateClosed.String(),
				Mode:    pc.Mode,
				Pending: m.cfg.Sink.Pending(n),
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// SendTC builds a telecommand and sends it on a connected TC pool. The
// sent packet is stored in that pool.
func (m *Manager) SendTC(ctx context.Context, pool, mnemonic string, args []any, opts tc.Options) (tc.Built, error) {
	if m.cfg.Commands == nil {
		return tc.Built{}, fmt.Errorf("%w: no command schema loaded", core.ErrConfigInvalid)
	}
	in, err := m.get(pool)
	if err != nil {
		return tc.Built{}, err
	}
	if in.Mode() != pipeline.ModeTC {
		return tc.Built{}, fmt.Errorf("%w: %s is a %s pool", core.ErrPoolReadOnly, pool, in.Mode())
	}

	built, err := m.cfg.Commands.Build(mnemonic, args, opts)
	if err != nil {
		return tc.Built{}, err
	}
	if err := in.Send(ctx, built.Bytes, built.Mnemonic); err != nil {
		return tc.Built{}, err
	}
	slog.Info("telecommand sent",
		"pool", pool,
		"mnemonic", built.Mnemonic,
		"apid", built.APID,
		"seq", built.SeqCount,
		"bytes", len(built.Bytes))
	return built, nil
}

// Ingester returns the live ingester of a pool.
func (m *Manager) Ingester(name string) (*pipeline.Ingester, error) {
	return m.get(name)
}

// AutoConnect connects every declared pool marked auto_connect that is not
// already connected. Failures are logged; it returns the number connected.
func (m *Manager) AutoConnect(ctx context.Context) int {
	m.mu.RLock()
	var names []string
	for n, pc := range m.declared {
		if _, live := m.active[n]; pc.AutoConnect && !live {
			names = append(names, n)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)

	n := 0
	for _, name := range names {
		if err := m.Connect(ctx, name); err != nil {
			slog.Error("pool auto-connect failed", "pool", name, "error", err)
			continue
		}
		n++
	}
	return n
}

// Restore reconnects pools that were connected or paused when the daemon
// last stopped. Persisted pools missing from the configuration are
// declared from their record.
func (m *Manager) Restore(ctx context.Context) {
	persisted, err := m.cfg.Store.List()
	if err != nil {
		slog.Error("pool restore: failed to list persisted pools", "error", err)
		return
	}

	for _, pp := range persisted {
		name := pp.Config.Name
		if pp.State != pipeline.StateConnected.String() && pp.State != pipeline.StatePaused.String() {
			slog.Debug("pool restore: skipping closed pool", "pool", name, "state", pp.State)
			continue
		}
		if _, declared := m.declaredPool(name); !declared {
			if err := m.Declare(pp.Config); err != nil {
				slog.Error("pool restore: invalid persisted pool", "pool", name, "error", err)
				continue
			}
		}
		slog.Info("pool restore: reconnecting", "pool", name, "last_state", pp.State)
		if err := m.Connect(ctx, name); err != nil {
			if !errors.Is(err, core.ErrPoolAlreadyExists) {
				slog.Error("pool restore: failed to reconnect", "pool", name, "error", err)
			}
			continue
		}
		if pp.State == pipeline.StatePaused.String() {
			if err := m.Pause(name); err != nil {
				slog.Warn("pool restore: failed to pause", "pool", name, "error", err)
			}
		}
	}
}

// CloseAll disconnects every pool. Persisted states are kept so that the
// next start can restore them.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]*pipeline.Ingester)
	m.mu.Unlock()

	slog.Info("closing all pools", "count", len(active))

	var errs []error
	for name, in := range active {
		if err := in.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of connected pools.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) get(name string) (*pipeline.Ingester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.active[name]
	if ok {
		return in, nil
	}
	if _, declared := m.declared[name]; declared {
		return nil, fmt.Errorf("%w: %s", core.ErrPoolClosed, name)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrPoolNotFound, name)
}

func (m *Manager) declaredPool(name string) (config.PoolConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.declared[name]
	return pc, ok
}

func (m *Manager) failed(pc config.PoolConfig, err error) {
	m.lastErr[pc.Name] = err.Error()
	m.save(pc, pipeline.StateClosed.String(), err.Error())
}

func (m *Manager) saveNamed(name, state string) {
	if pc, ok := m.declaredPool(name); ok {
		m.save(pc, state, "")
	}
}

// save persists the pool's state. Store errors are logged, not returned.
func (m *Manager) save(pc config.PoolConfig, state, lastErr string) {
	now := time.Now().UTC()
	pp := PersistedPool{
		Version:   persistenceVersion,
		Config:    pc,
		State:     state,
		LastError: lastErr,
	}
	if state == pipeline.StateClosed.String() {
		pp.ClosedAt = &now
	} else {
		pp.ConnectedAt = &now
	}
	if err := m.cfg.Store.Save(pp); err != nil {
		slog.Warn("failed to persist pool state", "pool", pc.Name, "error", err)
	}
}
