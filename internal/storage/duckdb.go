package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb" // database/sql driver "duckdb"

	"firestige.xyz/pusgate/internal/core"
)

var ddl = []string{`
CREATE TABLE IF NOT EXISTS pools (
	name    VARCHAR PRIMARY KEY,
	created TIMESTAMP NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS packets (
	pool      VARCHAR  NOT NULL,
	idx       BIGINT   NOT NULL,
	kind      VARCHAR  NOT NULL,
	type      INTEGER  NOT NULL,
	apid      INTEGER  NOT NULL,
	seq       INTEGER  NOT NULL,
	service   INTEGER  NOT NULL,
	subtype   INTEGER  NOT NULL,
	coarse    BIGINT   NOT NULL,
	fine      BIGINT   NOT NULL,
	length    INTEGER  NOT NULL,
	truncated BOOLEAN  NOT NULL,
	raw       BLOB     NOT NULL,
	received  TIMESTAMP NOT NULL
)`}

const insertSQL = `INSERT INTO packets
	(pool, idx, kind, type, apid, seq, service, subtype, coarse, fine, length, truncated, raw, received)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectSQL = `SELECT idx, kind, type, apid, seq, service, subtype, coarse, fine, length, truncated, raw, received
	FROM packets WHERE pool = ?`

// pendingTx is a pool's open transaction.
type pendingTx struct {
	tx    *sql.Tx
	stmt  *sql.Stmt
	count int
}

// DuckDBSink stores packets in a DuckDB database file. Each pool keeps at
// most one open transaction; Commit closes it and the next Insert opens a
// new one.
type DuckDBSink struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[string]*pendingTx
}

// OpenDuckDB opens or creates the database at path. An empty path opens an
// in-memory database.
func OpenDuckDB(path string) (*DuckDBSink, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &DuckDBSink{db: db, pending: make(map[string]*pendingTx)}, nil
}

func (s *DuckDBSink) BeginPool(ctx context.Context, name string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty pool name", core.ErrConfigInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (name, created) VALUES (?, ?) ON CONFLICT DO NOTHING`, name, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create pool %s: %w", name, err)
	}
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(idx) + 1 FROM packets WHERE pool = ?`, name).Scan(&next); err != nil {
		return 0, fmt.Errorf("pool %s next index: %w", name, err)
	}
	return uint64(next.Int64), nil
}

func (s *DuckDBSink) Insert(ctx context.Context, rec core.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[rec.Pool]
	if !ok {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("pool %s: begin: %w", rec.Pool, err)
		}
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("pool %s: prepare: %w", rec.Pool, err)
		}
		p = &pendingTx{tx: tx, stmt: stmt}
		s.pending[rec.Pool] = p
	}

	h := rec.Header
	_, err := p.stmt.ExecContext(ctx,
		rec.Pool, int64(rec.Index), h.Kind.String(), int32(h.Type), int32(h.APID), int32(h.SeqCount),
		int32(h.ServiceType), int32(h.ServiceSubtype), int64(h.Time.Coarse), int64(h.Time.Fine),
		int32(h.Length), rec.Truncated, rec.Raw, rec.Received.UTC())
	if err != nil {
		return fmt.Errorf("pool %s: insert #%d: %w", rec.Pool, rec.Index, err)
	}
	p.count++
	return nil
}

func (s *DuckDBSink) Commit(_ context.Context, pool string) (int, error) {
	s.mu.Lock()
	p, ok := s.pending[pool]
	delete(s.pending, pool)
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}
	_ = p.stmt.Close()
	if err := p.tx.Commit(); err != nil {
		return 0, fmt.Errorf("pool %s: commit %d packets: %w", pool, p.count, err)
	}
	return p.count, nil
}

func (s *DuckDBSink) Pending(pool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[pool]; ok {
		return p.count
	}
	return 0
}

func (s *DuckDBSink) Query(ctx context.Context, pool string, f Filter, fn func(core.Record) error) error {
	var (
		q    strings.Builder
		args = []any{pool}
	)
	q.WriteString(selectSQL)
	if f.From > 0 {
		q.WriteString(" AND idx >= ?")
		args = append(args, int64(f.From))
	}
	if f.To > 0 {
		q.WriteString(" AND idx < ?")
		args = append(args, int64(f.To))
	}
	if f.APID != nil {
		q.WriteString(" AND apid = ?")
		args = append(args, int32(*f.APID))
	}
	if f.ServiceType != nil {
		q.WriteString(" AND service = ?")
		args = append(args, int32(*f.ServiceType))
	}
	if f.Subtype != nil {
		q.WriteString(" AND subtype = ?")
		args = append(args, int32(*f.Subtype))
	}
	q.WriteString(" ORDER BY idx")
	if f.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return fmt.Errorf("query pool %s: %w", pool, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx, coarse, fine                        int64
			kind                                     string
			typ, apid, seq, service, subtype, length int32
			truncated                                bool
			raw                                      []byte
			received                                 time.Time
		)
		if err := rows.Scan(&idx, &kind, &typ, &apid, &seq, &service, &subtype,
			&coarse, &fine, &length, &truncated, &raw, &received); err != nil {
			return fmt.Errorf("query pool %s: scan: %w", pool, err)
		}
		rec := core.Record{
			Pool:  pool,
			Index: uint64(idx),
			Header: core.Header{
				Kind:            parseKind(kind),
				Type:            uint8(typ),
				SecondaryHeader: kind != core.HeaderRaw.String(),
				APID:            uint16(apid),
				SeqCount:        uint16(seq),
				Length:          uint16(length),
				ServiceType:     uint8(service),
				ServiceSubtype:  uint8(subtype),
				Time:            core.CUCTime{Coarse: uint32(coarse), Fine: uint32(fine), FineBits: 15},
			},
			Raw:       raw,
			Truncated: truncated,
			Received:  received,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *DuckDBSink) Pools(ctx context.Context) ([]PoolInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.created, count(k.idx)
		FROM pools p LEFT JOIN packets k ON k.pool = p.name
		GROUP BY p.name, p.created ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []PoolInfo
	for rows.Next() {
		var (
			info PoolInfo
			n    int64
		)
		if err := rows.Scan(&info.Name, &info.Created, &n); err != nil {
			return nil, fmt.Errorf("list pools: %w", err)
		}
		info.Packets = uint64(n)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *DuckDBSink) Close() error {
	s.mu.Lock()
	pools := make([]string, 0, len(s.pending))
	for name := range s.pending {
		pools = append(pools, name)
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range pools {
		n, err := s.Commit(context.Background(), name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Debug("pending batch committed on close", "pool", name, "packets", n)
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func parseKind(s string) core.HeaderKind {
	switch s {
	case core.HeaderTM.String():
		return core.HeaderTM
	case core.HeaderTC.String():
		return core.HeaderTC
	}
	return core.HeaderRaw
}
