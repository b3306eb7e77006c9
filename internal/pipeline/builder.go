package pipeline

import (
	"net"
	"time"

	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/storage"
)

// Builder provides a fluent interface for building ingesters.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new ingester builder for pool.
func NewBuilder(pool string) *Builder {
	return &Builder{
		config: Config{
			Pool:       pool,
			Mode:       ModeTM,
			ReadBuffer: defaultReadBuffer,
		},
	}
}

// WithMode sets the pool mode.
func (b *Builder) WithMode(m Mode) *Builder {
	b.config.Mode = m
	return b
}

// WithConn sets the pool socket.
func (b *Builder) WithConn(c net.Conn) *Builder {
	b.config.Conn = c
	return b
}

// WithDecoder sets the packet decoder.
func (b *Builder) WithDecoder(d decoder.Decoder) *Builder {
	b.config.Decoder = d
	return b
}

// WithFramer sets the framer configuration.
func (b *Builder) WithFramer(fc decoder.FramerConfig) *Builder {
	b.config.Framer = fc
	return b
}

// WithSink sets the storage sink.
func (b *Builder) WithSink(s storage.Sink) *Builder {
	b.config.Sink = s
	return b
}

// WithCommit sets the commit batch size and interval.
func (b *Builder) WithCommit(batchSize int, interval time.Duration) *Builder {
	b.config.BatchSize = batchSize
	b.config.CommitInterval = interval
	return b
}

// WithReadTimeout sets the bound on a single socket read.
func (b *Builder) WithReadTimeout(d time.Duration) *Builder {
	b.config.ReadTimeout = d
	return b
}

// WithMaxRawBytes caps the stored size of a frame.
func (b *Builder) WithMaxRawBytes(n int) *Builder {
	b.config.MaxRawBytes = n
	return b
}

// WithPublishers sets the publisher chain.
func (b *Builder) WithPublishers(publishers ...Publisher) *Builder {
	b.config.Publishers = publishers
	return b
}

// WithWarnLimiter sets the resync warning limiter.
func (b *Builder) WithWarnLimiter(l *decoder.WarnLimiter) *Builder {
	b.config.WarnLimiter = l
	return b
}

// Build creates the ingester.
func (b *Builder) Build() (*Ingester, error) {
	return New(b.config)
}
