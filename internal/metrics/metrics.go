// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames accepted by the framer.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_frames_total",
			Help: "Total number of CRC-valid frames extracted from pool streams",
		},
		[]string{"pool", "kind"},
	)

	// TrashBytesTotal counts bytes slipped while resynchronizing.
	TrashBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_trash_bytes_total",
			Help: "Total number of stream bytes discarded during framer resynchronization",
		},
		[]string{"pool"},
	)

	// IdleFramesTotal counts idle-APID frames that were not stored.
	IdleFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_idle_frames_total",
			Help: "Total number of idle packets dropped",
		},
		[]string{"pool"},
	)

	// DecodeErrorsTotal counts frames whose parameters could not be decoded.
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_decode_errors_total",
			Help: "Total number of packet decode failures",
		},
		[]string{"pool", "reason"},
	)

	// CommitsTotal counts storage commits.
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_commits_total",
			Help: "Total number of storage commits",
		},
		[]string{"pool", "trigger"},
	)

	// CommitBatchSize tracks the number of packets per commit.
	CommitBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pusgate_commit_batch_size",
			Help:    "Number of packets made durable per storage commit",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"pool"},
	)

	// StorageErrorsTotal counts failed inserts and commits.
	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_storage_errors_total",
			Help: "Total number of storage insert or commit failures",
		},
		[]string{"pool", "op"},
	)

	// PoolState tracks the current state of each pool.
	PoolState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pusgate_pool_state",
			Help: "Current pool state (0=closed, 1=connected, 2=paused, 3=error)",
		},
		[]string{"pool"},
	)

	// TCSentTotal counts telecommands written to a pool.
	TCSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_tc_sent_total",
			Help: "Total number of telecommands sent",
		},
		[]string{"pool", "mnemonic"},
	)

	// PublishErrorsTotal counts live publisher failures.
	PublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pusgate_publish_errors_total",
			Help: "Total number of live publisher errors",
		},
		[]string{"pool", "publisher"},
	)
)

// PoolStateValue represents pool state as a numeric value for the Prometheus gauge.
const (
	PoolStateClosed    = 0
	PoolStateConnected = 1
	PoolStatePaused    = 2
	PoolStateError     = 3
)
