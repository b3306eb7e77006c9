package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"firestige.xyz/pusgate/internal/core"
)

// PacketRow is the parquet layout of an exported record. Header fields
// narrower than 32 bits are widened; parquet has no 8 or 16 bit columns.
type PacketRow struct {
	Pool      string    `parquet:"pool,dict"`
	Index     uint64    `parquet:"idx"`
	Kind      string    `parquet:"kind,dict"`
	APID      int32     `parquet:"apid"`
	SeqCount  int32     `parquet:"seq"`
	Service   int32     `parquet:"service"`
	Subtype   int32     `parquet:"subtype"`
	Coarse    uint32    `parquet:"coarse"`
	Fine      uint32    `parquet:"fine"`
	Length    int32     `parquet:"length"`
	Truncated bool      `parquet:"truncated"`
	Raw       []byte    `parquet:"raw"`
	Received  time.Time `parquet:"received,timestamp(microsecond)"`
}

// Record narrows r back into a record. Only the exported header fields are
// restored.
func (r PacketRow) Record() core.Record {
	var kind core.HeaderKind
	switch r.Kind {
	case core.HeaderTM.String():
		kind = core.HeaderTM
	case core.HeaderTC.String():
		kind = core.HeaderTC
	default:
		kind = core.HeaderRaw
	}
	h := core.Header{
		Kind:            kind,
		SecondaryHeader: kind != core.HeaderRaw,
		APID:            uint16(r.APID),
		SeqCount:        uint16(r.SeqCount),
		Length:          uint16(r.Length),
		ServiceType:     uint8(r.Service),
		ServiceSubtype:  uint8(r.Subtype),
	}
	if kind == core.HeaderTM {
		h.Time = core.CUCTime{Coarse: r.Coarse, Fine: r.Fine, FineBits: 15}
	}
	return core.Record{
		Pool:      r.Pool,
		Index:     r.Index,
		Header:    h,
		Raw:       r.Raw,
		Truncated: r.Truncated,
		Received:  r.Received,
	}
}

func rowOf(r core.Record) PacketRow {
	return PacketRow{
		Pool:      r.Pool,
		Index:     r.Index,
		Kind:      r.Header.Kind.String(),
		APID:      int32(r.Header.APID),
		SeqCount:  int32(r.Header.SeqCount),
		Service:   int32(r.Header.ServiceType),
		Subtype:   int32(r.Header.ServiceSubtype),
		Coarse:    r.Header.Time.Coarse,
		Fine:      r.Header.Time.Fine,
		Length:    int32(r.Header.Length),
		Truncated: r.Truncated,
		Raw:       r.Raw,
		Received:  r.Received,
	}
}

// exportBatch is the number of rows buffered per parquet write.
const exportBatch = 1024

// ExportParquet writes the committed records of pool matching f to w and
// returns the number of rows written.
func ExportParquet(ctx context.Context, s Sink, pool string, f Filter, w io.Writer) (int, error) {
	pw := parquet.NewGenericWriter[PacketRow](w, parquet.Compression(&parquet.Zstd))

	var (
		batch = make([]PacketRow, 0, exportBatch)
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pw.Write(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := s.Query(ctx, pool, f, func(r core.Record) error {
		batch = append(batch, rowOf(r))
		if len(batch) == exportBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		_ = pw.Close()
		return total, fmt.Errorf("export pool %s: %w", pool, err)
	}
	if err := pw.Close(); err != nil {
		return total, fmt.Errorf("export pool %s: close: %w", pool, err)
	}
	return total, nil
}

// ReadParquet reads rows written by ExportParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]PacketRow, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	pr := parquet.NewGenericReader[PacketRow](pf)
	defer pr.Close()

	rows := make([]PacketRow, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows[:n], nil
}
