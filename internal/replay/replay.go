// Package replay feeds recorded link traffic back through the framer.
// Recordings are either pcap/pcapng captures of the TM TCP link or raw
// dumps of concatenated packets.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/pusgate/internal/core/decoder"
)

// Options controls frame extraction.
type Options struct {
	// Port selects TCP segments sent from this port; 0 takes every stream.
	Port   uint16
	Framer decoder.FramerConfig
}

// Stats summarizes one extraction run.
type Stats struct {
	Records    int    `json:"records"`  // capture records read
	Segments   int    `json:"segments"` // TCP segments with payload
	Streams    int    `json:"streams"`
	Bytes      uint64 `json:"bytes"`
	Frames     uint64 `json:"frames"`
	TrashBytes uint64 `json:"trash_bytes"`
}

// Emit receives one complete frame and the time it was captured.
type Emit func(frame []byte, seen time.Time)

var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Pcap reassembles the TCP streams of a pcap or pcapng capture and emits
// the frames each stream carries, in capture order per stream.
func Pcap(r io.Reader, opts Options, emit Emit) (Stats, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return Stats{}, fmt.Errorf("read capture header: %w", err)
	}

	var (
		src      gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return Stats{}, fmt.Errorf("open pcapng: %w", err)
		}
		src, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return Stats{}, fmt.Errorf("open pcap: %w", err)
		}
		src, linkType = pr, pr.LinkType()
	}

	var stats Stats
	factory := &streamFactory{opts: opts, emit: emit, stats: &stats}
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(factory))

	packets := gopacket.NewPacketSource(src, linkType)
	packets.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		pkt, err := packets.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read capture record %d: %w", stats.Records+1, err)
		}
		stats.Records++

		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || pkt.NetworkLayer() == nil {
			continue
		}
		if opts.Port != 0 && uint16(tcp.SrcPort) != opts.Port {
			continue
		}
		if len(tcp.Payload) > 0 {
			stats.Segments++
		}
		assembler.AssembleWithTimestamp(pkt.NetworkLayer().NetworkFlow(), tcp, pkt.Metadata().Timestamp)
	}
	assembler.FlushAll()

	slog.Debug("capture replayed",
		"records", stats.Records,
		"segments", stats.Segments,
		"streams", stats.Streams,
		"frames", stats.Frames)
	return stats, nil
}

// Raw emits the frames of a dump of concatenated packets. Garbage between
// packets is skipped by the framer's resynchronization.
func Raw(r io.Reader, opts Options, emit Emit) (Stats, error) {
	var stats Stats
	f := decoder.NewFramer(opts.Framer)
	buf := make([]byte, 64*1024)
	now := time.Now()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			stats.Bytes += uint64(n)
			f.Feed(buf[:n], func(pkt []byte) { emit(pkt, now) })
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read dump: %w", err)
		}
	}
	f.Flush(func(pkt []byte) { emit(pkt, now) })
	fs := f.Stats()
	stats.Frames = fs.Frames
	stats.TrashBytes = fs.TrashBytes
	return stats, nil
}

type streamFactory struct {
	opts  Options
	emit  Emit
	stats *Stats
}

func (s *streamFactory) New(netFlow, transport gopacket.Flow) tcpassembly.Stream {
	s.stats.Streams++
	slog.Debug("replay stream opened", "net", netFlow.String(), "transport", transport.String())
	return &stream{factory: s, framer: decoder.NewFramer(s.opts.Framer)}
}

// stream frames one reassembled TCP direction. tcpassembly calls it
// synchronously from AssembleWithTimestamp and FlushAll.
type stream struct {
	factory *streamFactory
	framer  *decoder.Framer
	last    time.Time
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 {
			// a gap: nothing buffered can be continued
			s.flush(r.Seen)
		}
		if len(r.Bytes) == 0 {
			continue
		}
		s.factory.stats.Bytes += uint64(len(r.Bytes))
		s.last = r.Seen
		s.framer.Feed(r.Bytes, s.emit)
	}
}

func (s *stream) ReassemblyComplete() {
	s.flush(s.last)
	s.factory.stats.TrashBytes += s.framer.Stats().TrashBytes
}

func (s *stream) flush(seen time.Time) {
	s.last = seen
	s.framer.Flush(s.emit)
}

func (s *stream) emit(pkt []byte) {
	s.factory.stats.Frames++
	s.factory.emit(pkt, s.last)
}
