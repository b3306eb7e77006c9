// Package kafka publishes decoded packets to Kafka.
// Messages are JSON documents keyed by pool and APID; PUS labels travel as
// Kafka headers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/decoder"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3

	// queueBatches is the send queue capacity in batches.
	queueBatches = 8
)

// ErrQueueFull is returned by Publish when the send queue is full, i.e. the
// brokers cannot keep up. The packet is dropped from the live feed only.
var ErrQueueFull = errors.New("kafka send queue full")

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("kafka publisher closed")

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends decoded packets to a Kafka topic. Publish only queues
// the message; a single sender goroutine writes batches to the brokers so a
// slow or unreachable cluster never stalls ingestion.
type Publisher struct {
	topic     string
	writer    messageWriter
	epoch     time.Time // zero omits utc
	batchSize int

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}

	published atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a publisher from the kafka configuration section. epoch is
// the on-board time origin used for the utc field.
func New(cfg config.KafkaConfig, epoch time.Time) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	transport := &kafka.Transport{}
	if cfg.SASL.Enabled {
		mech, err := mechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		transport.SASL = mech
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Compression:  codec,
		Transport:    transport,
	}

	slog.Info("kafka publisher created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	p := newPublisher(cfg.Topic, w, cfg.BatchSize*queueBatches, cfg.BatchSize)
	p.epoch = epoch
	return p, nil
}

func newPublisher(topic string, w messageWriter, queueSize, batchSize int) *Publisher {
	p := &Publisher{
		topic:     topic,
		writer:    w,
		batchSize: batchSize,
		queue:     make(chan kafka.Message, queueSize),
		done:      make(chan struct{}),
	}
	go p.send()
	return p
}

// send drains the queue, writing whatever is already waiting as one batch.
func (p *Publisher) send() {
	defer close(p.done)
	batch := make([]kafka.Message, 0, p.batchSize)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < p.batchSize {
			select {
			case m, ok := <-p.queue:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		if err := p.writer.WriteMessages(context.Background(), batch...); err != nil {
			p.errors.Add(uint64(len(batch)))
			slog.Warn("kafka write failed", "topic", p.topic, "messages", len(batch), "error", err)
			continue
		}
		p.published.Add(uint64(len(batch)))
	}
}

func compression(name string) (kafka.Compression, error) {
	switch name {
	case "none", "":
		return 0, nil
	case "gzip":
		return kafka.Compression(compress.Gzip), nil
	case "snappy":
		return kafka.Compression(compress.Snappy), nil
	case "lz4":
		return kafka.Compression(compress.Lz4), nil
	case "zstd":
		return kafka.Compression(compress.Zstd), nil
	}
	return 0, fmt.Errorf("%w: invalid kafka compression %q", core.ErrConfigInvalid, name)
}

func mechanism(c config.SASLConfig) (sasl.Mechanism, error) {
	switch c.Mechanism {
	case "PLAIN", "":
		return plain.Mechanism{Username: c.Username, Password: c.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.Username, c.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.Username, c.Password)
	}
	return nil, fmt.Errorf("%w: invalid sasl mechanism %q", core.ErrConfigInvalid, c.Mechanism)
}

// Name returns the publisher name.
func (p *Publisher) Name() string { return "kafka" }

// Publish queues pkt for sending without waiting for the brokers. It fails
// with ErrQueueFull when the queue is full.
func (p *Publisher) Publish(_ context.Context, pool string, pkt *decoder.DecodedPacket) error {
	if pkt == nil {
		return fmt.Errorf("nil packet")
	}
	msg, err := message(pool, pkt, p.epoch)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("serialize packet failed: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close sends the queued messages and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done

	err := p.writer.Close()
	slog.Info("kafka publisher stopped",
		"topic", p.topic,
		"total_published", p.published.Load(),
		"total_errors", p.errors.Load(),
		"total_dropped", p.dropped.Load(),
	)
	return err
}

// Published returns the number of messages written.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Errors returns the number of messages that could not be serialized or
// written.
func (p *Publisher) Errors() uint64 { return p.errors.Load() }

// Dropped returns the number of messages rejected by a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func message(pool string, pkt *decoder.DecodedPacket, epoch time.Time) (kafka.Message, error) {
	value, err := json.Marshal(pkt.View(pool, epoch))
	if err != nil {
		return kafka.Message{}, err
	}

	labels := pkt.Labels()
	labels[core.LabelPool] = pool
	headers := make([]kafka.Header, 0, len(labels))
	for k, v := range labels {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%d", pool, pkt.Header.APID)),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}
