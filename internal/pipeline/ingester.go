// Package pipeline implements the per-pool stream ingestion engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/metrics"
	"firestige.xyz/pusgate/internal/storage"
)

// State is an ingester's connection state.
type State int32

const (
	StateClosed State = iota
	StateConnected
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePaused:
		return "paused"
	default:
		return "closed"
	}
}

// Mode selects what an ingester does with its socket.
type Mode string

const (
	// ModeTM reads, frames, decodes and stores telemetry.
	ModeTM Mode = "tm"
	// ModeTC writes telecommands and drains anything read.
	ModeTC Mode = "tc"
)

const (
	defaultReadTimeout = 200 * time.Millisecond
	defaultReadBuffer  = 64 * 1024
)

// Config contains ingester configuration.
type Config struct {
	Pool           string
	Mode           Mode
	Conn           net.Conn
	Decoder        decoder.Decoder
	Framer         decoder.FramerConfig
	Sink           storage.Sink
	BatchSize      int
	CommitInterval time.Duration
	ReadTimeout    time.Duration
	ReadBuffer     int
	MaxRawBytes    int // 0 = the framer's maximum packet size
	Publishers     []Publisher
	WarnLimiter    *decoder.WarnLimiter
}

// Ingester owns one pool connection. One goroutine reads the socket, frames
// and decodes; the pool's Committer is the only storage writer.
type Ingester struct {
	cfg       Config
	framer    *decoder.Framer
	committer *Committer
	metrics   *Metrics

	mu       sync.Mutex
	state    State
	resumeCh chan struct{}
	err      error
	next     uint64

	// cycle is held for one read-and-process cycle; Pause takes it to wait
	// for the cycle in progress.
	cycle sync.Mutex
	// writeMu serializes Send.
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	doneCh chan struct{}
	once   sync.Once
}

// New creates an ingester. Start connects it to storage and starts reading.
func New(cfg Config) (*Ingester, error) {
	if cfg.Pool == "" {
		return nil, fmt.Errorf("%w: pool name is required", core.ErrConfigInvalid)
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: pool %s has no connection", core.ErrConfigInvalid, cfg.Pool)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: pool %s has no storage", core.ErrConfigInvalid, cfg.Pool)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTM
	}
	if cfg.Mode != ModeTM && cfg.Mode != ModeTC {
		return nil, fmt.Errorf("%w: pool %s mode %q", core.ErrConfigInvalid, cfg.Pool, cfg.Mode)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = decoder.NewPacketDecoder(nil)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = defaultReadBuffer
	}
	if cfg.MaxRawBytes <= 0 {
		cfg.MaxRawBytes = cfg.Framer.MaxPacketSize
		if cfg.MaxRawBytes <= 0 {
			cfg.MaxRawBytes = decoder.DefaultMaxPacketSize
		}
	}

	m := NewMetrics(cfg.Pool)
	in := &Ingester{
		cfg:     cfg,
		framer:  decoder.NewFramer(cfg.Framer),
		metrics: m,
		committer: NewCommitter(CommitterConfig{
			Pool:      cfg.Pool,
			Sink:      cfg.Sink,
			BatchSize: cfg.BatchSize,
			Interval:  cfg.CommitInterval,
			Metrics:   m,
		}),
		doneCh: make(chan struct{}),
	}
	in.framer.OnResync = in.onResync
	return in, nil
}

// Start opens the pool in storage and starts the worker.
func (in *Ingester) Start(ctx context.Context) error {
	next, err := in.cfg.Sink.BeginPool(ctx, in.cfg.Pool)
	if err != nil {
		return fmt.Errorf("pool %s: %w", in.cfg.Pool, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.next = next
	in.state = StateConnected
	in.cancel = cancel
	in.mu.Unlock()
	metrics.PoolState.WithLabelValues(in.cfg.Pool).Set(metrics.PoolStateConnected)

	slog.Info("pool connected",
		"pool", in.cfg.Pool,
		"mode", in.cfg.Mode,
		"remote", in.cfg.Conn.RemoteAddr(),
		"next_index", next)

	in.committer.Start(ctx)
	in.wg.Add(1)
	go in.readLoop(ctx)
	return nil
}

// Pause stops reading without closing the socket. It returns once the
// read cycle in progress, if any, has finished.
func (in *Ingester) Pause() error {
	in.mu.Lock()
	switch in.state {
	case StateClosed:
		in.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrPoolClosed, in.cfg.Pool)
	case StatePaused:
		in.mu.Unlock()
		return nil
	}
	in.state = StatePaused
	in.resumeCh = make(chan struct{})
	in.mu.Unlock()

	in.cycle.Lock()
	//nolint:staticcheck // empty critical section waits for the current cycle
	in.cycle.Unlock()

	metrics.PoolState.WithLabelValues(in.cfg.Pool).Set(metrics.PoolStatePaused)
	slog.Info("pool paused", "pool", in.cfg.Pool)
	return nil
}

// Resume restarts reading after Pause.
func (in *Ingester) Resume() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch in.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", core.ErrPoolClosed, in.cfg.Pool)
	case StateConnected:
		return nil
	}
	in.state = StateConnected
	close(in.resumeCh)
	in.resumeCh = nil
	metrics.PoolState.WithLabelValues(in.cfg.Pool).Set(metrics.PoolStateConnected)
	slog.Info("pool resumed", "pool", in.cfg.Pool)
	return nil
}

// Close stops the worker, commits the pending batch and closes the socket.
// It is safe to call more than once.
func (in *Ingester) Close() error {
	var closeErr error
	in.once.Do(func() {
		in.mu.Lock()
		cancel := in.cancel
		in.state = StateClosed
		if in.resumeCh != nil {
			close(in.resumeCh)
			in.resumeCh = nil
		}
		in.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		closeErr = in.cfg.Conn.Close()
		// wait out a Send that got past the state check
		in.writeMu.Lock()
		//nolint:staticcheck // barrier
		in.writeMu.Unlock()

		if cancel != nil {
			in.wg.Wait()
			in.committer.Close()
		}

		metrics.PoolState.WithLabelValues(in.cfg.Pool).Set(metrics.PoolStateClosed)

		close(in.doneCh)
		slog.Info("pool closed", "pool", in.cfg.Pool, "stored", in.metrics.Stored.Load())
	})
	return closeErr
}

// Done is closed once Close has finished.
func (in *Ingester) Done() <-chan struct{} {
	return in.doneCh
}

// Err returns the socket error that ended the worker, if any.
func (in *Ingester) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// State returns the current state.
func (in *Ingester) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Pool returns the pool name.
func (in *Ingester) Pool() string { return in.cfg.Pool }

// Mode returns the pool mode.
func (in *Ingester) Mode() Mode { return in.cfg.Mode }

// Flush commits whatever has been stored so far.
func (in *Ingester) Flush() int {
	return in.committer.Flush()
}

// Stats returns a snapshot of the ingester's counters.
func (in *Ingester) Stats() Stats {
	s := in.metrics.snapshot()
	s.State = in.State().String()
	s.Mode = string(in.cfg.Mode)
	s.Pending = in.cfg.Sink.Pending(in.cfg.Pool)
	in.mu.Lock()
	s.NextIndex = in.next
	in.mu.Unlock()
	return s
}

// Send writes an encoded telecommand to the socket and stores it in the
// pool. Only TC pools accept Send.
func (in *Ingester) Send(ctx context.Context, pkt []byte, label string) error {
	if in.cfg.Mode != ModeTC {
		return fmt.Errorf("%w: %s is a %s pool", core.ErrPoolReadOnly, in.cfg.Pool, in.cfg.Mode)
	}
	in.writeMu.Lock()
	defer in.writeMu.Unlock()
	if in.State() == StateClosed {
		return fmt.Errorf("%w: %s", core.ErrPoolClosed, in.cfg.Pool)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = in.cfg.Conn.SetWriteDeadline(dl)
		defer in.cfg.Conn.SetWriteDeadline(time.Time{})
	}
	if _, err := in.cfg.Conn.Write(pkt); err != nil {
		return fmt.Errorf("pool %s: send: %w", in.cfg.Pool, err)
	}

	in.metrics.Sent.Add(1)
	metrics.TCSentTotal.WithLabelValues(in.cfg.Pool, label).Inc()
	// a frame we built ourselves always has a readable header
	hdr, _ := header.Decode(pkt)
	in.store(pkt, hdr, time.Now())
	return nil
}

// readLoop is the worker goroutine.
func (in *Ingester) readLoop(ctx context.Context) {
	defer in.wg.Done()

	buf := make([]byte, in.cfg.ReadBuffer)
	for {
		if ctx.Err() != nil {
			return
		}
		if wait := in.pausedCh(); wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := in.readCycle(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			in.mu.Lock()
			in.err = err
			in.mu.Unlock()
			if errors.Is(err, io.EOF) {
				slog.Info("pool connection closed by peer", "pool", in.cfg.Pool)
			} else {
				slog.Error("pool read failed", "pool", in.cfg.Pool, "error", err)
			}
			metrics.PoolState.WithLabelValues(in.cfg.Pool).Set(metrics.PoolStateError)
			go in.Close()
			return
		}
	}
}

func (in *Ingester) pausedCh() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == StatePaused {
		return in.resumeCh
	}
	return nil
}

// readCycle performs one bounded read and processes what arrived. A read
// timeout is not an error.
func (in *Ingester) readCycle(ctx context.Context, buf []byte) error {
	in.cycle.Lock()
	defer in.cycle.Unlock()

	// Pause may have won the race for the cycle lock
	if in.State() != StateConnected {
		return nil
	}

	_ = in.cfg.Conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	n, err := in.cfg.Conn.Read(buf)
	if n > 0 {
		in.metrics.BytesRead.Add(uint64(n))
		if in.cfg.Mode == ModeTC {
			in.metrics.Drained.Add(uint64(n))
		} else {
			in.ingest(ctx, buf[:n])
		}
	}
	if errors.Is(err, io.EOF) && in.cfg.Mode == ModeTM {
		// no more bytes will complete what is buffered
		in.frame(ctx, in.framer.Flush)
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	return nil
}

func (in *Ingester) ingest(ctx context.Context, data []byte) {
	in.frame(ctx, func(emit func([]byte)) { in.framer.Feed(data, emit) })
}

// frame runs one framer step and accounts for the bytes it discarded.
func (in *Ingester) frame(ctx context.Context, step func(emit func([]byte))) {
	trash := in.framer.Stats().TrashBytes
	step(func(raw []byte) { in.handleFrame(ctx, raw) })
	if d := in.framer.Stats().TrashBytes - trash; d > 0 {
		in.metrics.TrashBytes.Add(d)
		metrics.TrashBytesTotal.WithLabelValues(in.cfg.Pool).Add(float64(d))
	}
}

func (in *Ingester) onResync(reason error) {
	if in.cfg.WarnLimiter.Allow(in.cfg.Pool, time.Now()) {
		slog.Warn("framer resynchronizing",
			"pool", in.cfg.Pool,
			"state", in.framer.State(),
			"error", reason)
	}
}

// handleFrame decodes, filters, stores and publishes one frame.
func (in *Ingester) handleFrame(ctx context.Context, raw []byte) {
	received := time.Now()
	in.metrics.Frames.Add(1)

	pkt, err := in.cfg.Decoder.Decode(raw)
	metrics.FramesTotal.WithLabelValues(in.cfg.Pool, pkt.Header.Kind.String()).Inc()

	if pkt.Header.APID == core.IdleAPID && (err == nil || decoder.HeaderOnly(err)) {
		in.metrics.Idle.Add(1)
		metrics.IdleFramesTotal.WithLabelValues(in.cfg.Pool).Inc()
		return
	}

	if err != nil {
		in.metrics.DecodeErrors.Add(1)
		metrics.DecodeErrorsTotal.WithLabelValues(in.cfg.Pool, reason(err)).Inc()
		slog.Debug("packet decode failed",
			"pool", in.cfg.Pool,
			"apid", pkt.Header.APID,
			"service", pkt.Header.ServiceType,
			"subtype", pkt.Header.ServiceSubtype,
			"error", err)
	} else {
		in.metrics.Decoded.Add(1)
	}

	var hdr core.Header
	if err == nil || decoder.HeaderOnly(err) {
		hdr = pkt.Header
	}
	in.store(raw, hdr, received)
	pkt.Err = err
	in.publish(ctx, &pkt)
}

// store assigns the next pool index and queues the frame for commit.
func (in *Ingester) store(raw []byte, hdr core.Header, received time.Time) {
	rec := core.Record{
		Pool:     in.cfg.Pool,
		Header:   hdr,
		Raw:      raw,
		Received: received,
	}
	if max := in.cfg.MaxRawBytes; len(raw) > max {
		rec.Raw = raw[:max]
		rec.Truncated = true
		in.metrics.Truncated.Add(1)
		slog.Warn("frame truncated for storage",
			"pool", in.cfg.Pool,
			"apid", rec.Header.APID,
			"length", len(raw),
			"limit", max)
	}

	in.mu.Lock()
	rec.Index = in.next
	in.next++
	in.mu.Unlock()

	in.committer.Submit(rec)
}

func (in *Ingester) publish(ctx context.Context, pkt *decoder.DecodedPacket) {
	for _, p := range in.cfg.Publishers {
		if err := p.Publish(ctx, in.cfg.Pool, pkt); err != nil {
			in.metrics.PublishErrors.Add(1)
			metrics.PublishErrorsTotal.WithLabelValues(in.cfg.Pool, p.Name()).Inc()
			slog.Warn("publish failed", "pool", in.cfg.Pool, "publisher", p.Name(), "error", err)
			continue
		}
		in.metrics.Published.Add(1)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, core.ErrSchemaNotFound):
		return "schema_not_found"
	case errors.Is(err, core.ErrBufferUnderrun):
		return "buffer_underrun"
	case errors.Is(err, core.ErrTruncatedHeader):
		return "truncated_header"
	case errors.Is(err, core.ErrUnsupportedType):
		return "unsupported_type"
	}
	return "other"
}
