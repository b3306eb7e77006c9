// Package pipeline implements pipeline metrics.
package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pool ingestion counters.
type Metrics struct {
	Pool string

	BytesRead     atomic.Uint64
	Frames        atomic.Uint64
	TrashBytes    atomic.Uint64
	Decoded       atomic.Uint64
	DecodeErrors  atomic.Uint64
	Idle          atomic.Uint64
	Stored        atomic.Uint64
	Truncated     atomic.Uint64
	StorageErrors atomic.Uint64
	Commits       atomic.Uint64
	Published     atomic.Uint64
	PublishErrors atomic.Uint64
	Drained       atomic.Uint64
	Sent          atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(pool string) *Metrics {
	return &Metrics{Pool: pool}
}

// Stats is a point-in-time copy of Metrics plus pool state.
type Stats struct {
	Pool          string `json:"pool"`
	State         string `json:"state"`
	Mode          string `json:"mode"`
	BytesRead     uint64 `json:"bytes_read"`
	Frames        uint64 `json:"frames"`
	TrashBytes    uint64 `json:"trash_bytes"`
	Decoded       uint64 `json:"decoded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Idle          uint64 `json:"idle"`
	Stored        uint64 `json:"stored"`
	Truncated     uint64 `json:"truncated"`
	StorageErrors uint64 `json:"storage_errors"`
	Commits       uint64 `json:"commits"`
	Pending       int    `json:"pending"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	Drained       uint64 `json:"drained"`
	Sent          uint64 `json:"sent"`
	NextIndex     uint64 `json:"next_index"`
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Pool:          m.Pool,
		BytesRead:     m.BytesRead.Load(),
		Frames:        m.Frames.Load(),
		TrashBytes:    m.TrashBytes.Load(),
		Decoded:       m.Decoded.Load(),
		DecodeErrors:  m.DecodeErrors.Load(),
		Idle:          m.Idle.Load(),
		Stored:        m.Stored.Load(),
		Truncated:     m.Truncated.Load(),
		StorageErrors: m.StorageErrors.Load(),
		Commits:       m.Commits.Load(),
		Published:     m.Published.Load(),
		PublishErrors: m.PublishErrors.Load(),
		Drained:       m.Drained.Load(),
		Sent:          m.Sent.Load(),
	}
}
