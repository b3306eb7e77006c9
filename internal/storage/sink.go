// Package storage persists framed packets per pool.
package storage

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/pusgate/internal/core"
)

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	From        uint64 // first index, inclusive
	To          uint64 // last index, exclusive; 0 = unbounded
	APID        *uint16
	ServiceType *uint8
	Subtype     *uint8
	Limit       int
}

func (f Filter) match(r *core.Record) bool {
	if r.Index < f.From || (f.To > 0 && r.Index >= f.To) {
		return false
	}
	if f.APID != nil && r.Header.APID != *f.APID {
		return false
	}
	if f.ServiceType != nil && r.Header.ServiceType != *f.ServiceType {
		return false
	}
	if f.Subtype != nil && r.Header.ServiceSubtype != *f.Subtype {
		return false
	}
	return true
}

// PoolInfo summarizes a pool's committed content.
type PoolInfo struct {
	Name    string
	Created time.Time
	Packets uint64
}

// Sink is a buffered-commit packet store. Inserts go into a per-pool pending
// batch that becomes visible to Query only after Commit. Pools are
// independent; a pool has one writer at a time.
type Sink interface {
	// BeginPool creates the pool if needed and returns the next free index.
	BeginPool(ctx context.Context, name string) (uint64, error)
	// Insert adds rec to rec.Pool's pending batch.
	Insert(ctx context.Context, rec core.Record) error
	// Commit makes the pending batch durable and returns its size.
	Commit(ctx context.Context, pool string) (int, error)
	// Pending returns the size of the pending batch.
	Pending(pool string) int
	// Query streams committed records in index order. Returning an error
	// from fn stops the scan and is returned.
	Query(ctx context.Context, pool string, f Filter, fn func(core.Record) error) error
	// Pools lists known pools.
	Pools(ctx context.Context) ([]PoolInfo, error)
	// Close commits every pending batch and releases the store.
	Close() error
}

// Open opens the sink named by driver: "duckdb" or "memory".
func Open(driver, path string) (Sink, error) {
	switch driver {
	case "", "duckdb":
		return OpenDuckDB(path)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", core.ErrConfigInvalid, driver)
}
