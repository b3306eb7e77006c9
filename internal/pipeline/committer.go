package pipeline

import (
	"context"
	"log/slog"
	"time"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/metrics"
	"firestige.xyz/pusgate/internal/storage"
)

const (
	defaultCommitBatchSize = 100
	defaultCommitInterval  = time.Second
	defaultCommitChanCap   = 4096
)

// Committer is a pool's single storage writer. Records are inserted as
// they arrive and committed every BatchSize inserts or Interval after the
// first uncommitted insert, whichever comes first:
//
//	Ingester → Committer.Submit() → batchLoop → Sink.Insert() ... Sink.Commit()
type Committer struct {
	pool      string
	sink      storage.Sink
	batchSize int
	interval  time.Duration
	metrics   *Metrics

	recCh   chan core.Record
	flushCh chan chan int
	doneCh  chan struct{}
}

// CommitterConfig contains configuration for creating a Committer.
type CommitterConfig struct {
	Pool      string
	Sink      storage.Sink
	BatchSize int
	Interval  time.Duration
	Metrics   *Metrics // nil allocates a private instance
}

// NewCommitter creates a committer. Call Start before Submit.
func NewCommitter(cfg CommitterConfig) *Committer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultCommitBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCommitInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Pool)
	}
	return &Committer{
		pool:      cfg.Pool,
		sink:      cfg.Sink,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		metrics:   cfg.Metrics,
		recCh:     make(chan core.Record, defaultCommitChanCap),
		flushCh:   make(chan chan int),
		doneCh:    make(chan struct{}),
	}
}

// Start starts the batchLoop goroutine.
func (c *Committer) Start(ctx context.Context) {
	go c.batchLoop(ctx)
}

// Submit queues rec for insertion. It blocks when the queue is full.
func (c *Committer) Submit(rec core.Record) {
	c.recCh <- rec
}

// Flush commits everything submitted so far and returns the number of
// packets committed.
func (c *Committer) Flush() int {
	reply := make(chan int, 1)
	select {
	case c.flushCh <- reply:
		return <-reply
	case <-c.doneCh:
		return 0
	}
}

// Close drains the queue, commits the pending batch and stops the loop.
func (c *Committer) Close() {
	close(c.recCh)
	<-c.doneCh
}

// batchLoop inserts records and commits on size, on timer or on request.
// The commit timer is armed by the first insert after a commit and is
// independent of how often the socket delivers data.
func (c *Committer) batchLoop(ctx context.Context) {
	defer close(c.doneCh)

	timer := time.NewTimer(c.interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := 0
	commit := func(trigger string) int {
		if pending == 0 {
			return 0
		}
		timer.Stop()
		pending = 0
		n, err := c.sink.Commit(context.WithoutCancel(ctx), c.pool)
		if err != nil {
			c.metrics.StorageErrors.Add(1)
			metrics.StorageErrorsTotal.WithLabelValues(c.pool, "commit").Inc()
			slog.Error("storage commit failed", "pool", c.pool, "trigger", trigger, "error", err)
			return 0
		}
		c.metrics.Commits.Add(1)
		metrics.CommitsTotal.WithLabelValues(c.pool, trigger).Inc()
		metrics.CommitBatchSize.WithLabelValues(c.pool).Observe(float64(n))
		slog.Debug("pool committed", "pool", c.pool, "packets", n, "trigger", trigger)
		return n
	}

	insert := func(rec core.Record) {
		if err := c.sink.Insert(context.WithoutCancel(ctx), rec); err != nil {
			c.metrics.StorageErrors.Add(1)
			metrics.StorageErrorsTotal.WithLabelValues(c.pool, "insert").Inc()
			slog.Error("storage insert failed", "pool", c.pool, "index", rec.Index, "error", err)
			return
		}
		c.metrics.Stored.Add(1)
		if pending == 0 {
			timer.Reset(c.interval)
		}
		pending++
	}

	for {
		select {
		case rec, ok := <-c.recCh:
			if !ok {
				commit("close")
				return
			}
			insert(rec)
			if pending >= c.batchSize {
				commit("size")
			}
		case <-timer.C:
			commit("interval")
		case reply := <-c.flushCh:
			// take in what was submitted before the flush request
			for n := len(c.recCh); n > 0; n-- {
				rec, ok := <-c.recCh
				if !ok {
					break
				}
				insert(rec)
			}
			reply <- commit("flush")
		}
	}
}
