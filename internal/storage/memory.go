package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"firestige.xyz/pusgate/internal/core"
)

type memPool struct {
	created   time.Time
	committed []core.Record
	pending   []core.Record
	next      uint64
}

// Memory is an in-process Sink.
type Memory struct {
	mu    sync.Mutex
	pools map[string]*memPool
}

func NewMemory() *Memory {
	return &Memory{pools: make(map[string]*memPool)}
}

func (m *Memory) BeginPool(_ context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[name]
	if !ok {
		p = &memPool{created: time.Now()}
		m.pools[name] = p
	}
	return p.next, nil
}

func (m *Memory) Insert(_ context.Context, rec core.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[rec.Pool]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrPoolNotFound, rec.Pool)
	}
	rec.Raw = append([]byte(nil), rec.Raw...)
	p.pending = append(p.pending, rec)
	if rec.Index >= p.next {
		p.next = rec.Index + 1
	}
	return nil
}

func (m *Memory) Commit(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrPoolNotFound, pool)
	}
	n := len(p.pending)
	p.committed = append(p.committed, p.pending...)
	p.pending = nil
	return n, nil
}

func (m *Memory) Pending(pool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[pool]; ok {
		return len(p.pending)
	}
	return 0
}

func (m *Memory) Query(ctx context.Context, pool string, f Filter, fn func(core.Record) error) error {
	m.mu.Lock()
	p, ok := m.pools[pool]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrPoolNotFound, pool)
	}
	snapshot := p.committed[:len(p.committed):len(p.committed)]
	m.mu.Unlock()

	n := 0
	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.match(&snapshot[i]) {
			continue
		}
		if err := fn(snapshot[i]); err != nil {
			return err
		}
		n++
		if f.Limit > 0 && n >= f.Limit {
			return nil
		}
	}
	return nil
}

func (m *Memory) Pools(_ context.Context) ([]PoolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolInfo, 0, len(m.pools))
	for name, p := range m.pools {
		out = append(out, PoolInfo{Name: name, Created: p.created, Packets: uint64(len(p.committed))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.committed = append(p.committed, p.pending...)
		p.pending = nil
	}
	return nil
}
