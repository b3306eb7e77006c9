package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/decoder"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/storage"
)

func makePacket(kind core.HeaderKind, apid, seq uint16, payload []byte) []byte {
	h := core.Header{
		Kind:           kind,
		APID:           apid,
		SeqFlags:       3,
		SeqCount:       seq,
		Length:         header.LengthField(kind, len(payload)),
		PUSVersion:     1,
		ServiceType:    3,
		ServiceSubtype: 25,
		Time:           core.CUCTime{Coarse: 100, FineBits: 15},
	}
	if kind == core.HeaderTC {
		h.Type = core.TypeTC
	}
	pkt := append(header.Encode(h), payload...)
	return crc.Default().Append(pkt)
}

func committed(t *testing.T, s storage.Sink, pool string) []core.Record {
	t.Helper()
	var out []core.Record
	require.NoError(t, s.Query(context.Background(), pool, storage.Filter{}, func(r core.Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

type harness struct {
	in   *Ingester
	peer net.Conn
	sink *storage.Memory
}

func startIngester(t *testing.T, b *Builder) *harness {
	t.Helper()
	local, peer := net.Pipe()
	sink := storage.NewMemory()
	in, err := b.WithConn(local).
		WithSink(sink).
		WithReadTimeout(20 * time.Millisecond).
		Build()
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() {
		_ = in.Close()
		_ = peer.Close()
	})
	return &harness{in: in, peer: peer, sink: sink}
}

func TestNewValidatesConfig(t *testing.T) {
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	_, err := New(Config{Conn: local, Sink: storage.NewMemory()})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(Config{Pool: "p", Sink: storage.NewMemory()})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(Config{Pool: "p", Conn: local})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(Config{Pool: "p", Conn: local, Sink: storage.NewMemory(), Mode: "both"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestIngesterStoresFramesInOrder(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").
		WithCommit(100, time.Hour).
		WithFramer(decoder.FramerConfig{MaxPacketSize: 64}))

	var stream []byte
	stream = append(stream, 0xFF, 0xFF)
	stream = append(stream, makePacket(core.HeaderTM, 0x10, 1, []byte{1, 2})...)
	stream = append(stream, makePacket(core.HeaderTM, core.IdleAPID, 0, []byte{0})...)
	stream = append(stream, makePacket(core.HeaderTM, 0x10, 2, nil)...)
	stream = append(stream, makePacket(core.HeaderRaw, 0x11, 3, []byte{9})...)
	_, err := h.peer.Write(stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.in.Stats().Frames == 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.in.Close())
	<-h.in.Done()

	recs := committed(t, h.sink, "tm")
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, uint64(i), r.Index)
		assert.Equal(t, "tm", r.Pool)
	}
	assert.Equal(t, uint16(1), recs[0].Header.SeqCount)
	assert.Equal(t, core.HeaderRaw, recs[2].Header.Kind)

	st := h.in.Stats()
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, uint64(1), st.Idle)
	assert.Equal(t, uint64(3), st.Stored)
	assert.Equal(t, uint64(2), st.TrashBytes)
	assert.Equal(t, uint64(3), st.NextIndex)
}

func TestIngesterCommitsOnBatchSize(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(2, time.Hour))

	_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.in.Stats().Stored == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, committed(t, h.sink, "tm"))
	assert.Equal(t, 1, h.sink.Pending("tm"))

	_, err = h.peer.Write(makePacket(core.HeaderTM, 0x10, 2, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(committed(t, h.sink, "tm")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.in.Stats().Commits)
}

func TestIngesterCommitsOnInterval(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(100, 50*time.Millisecond))

	_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(committed(t, h.sink, "tm")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.sink.Pending("tm"))
}

func TestIngesterFlush(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(100, time.Hour))

	_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.in.Stats().Frames == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.in.Flush())
	assert.Len(t, committed(t, h.sink, "tm"), 1)
	assert.Equal(t, 0, h.in.Flush())
}

func TestIngesterPauseResume(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(100, time.Hour))

	require.NoError(t, h.in.Pause())
	require.NoError(t, h.in.Pause())
	assert.Equal(t, StatePaused, h.in.State())

	written := make(chan error, 1)
	go func() {
		_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
		written <- err
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.in.Stats().BytesRead)

	require.NoError(t, h.in.Resume())
	require.NoError(t, <-written)
	require.Eventually(t, func() bool { return h.in.Stats().Frames == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, h.in.State())

	require.NoError(t, h.in.Close())
	assert.ErrorIs(t, h.in.Pause(), core.ErrPoolClosed)
	assert.ErrorIs(t, h.in.Resume(), core.ErrPoolClosed)
}

func TestIngesterTruncatesLargeFrames(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(100, time.Hour).WithMaxRawBytes(20))

	pkt := makePacket(core.HeaderTM, 0x10, 1, bytes.Repeat([]byte{0xAB}, 30))
	_, err := h.peer.Write(pkt)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.in.Stats().Stored == 1 }, time.Second, 5*time.Millisecond)
	h.in.Flush()

	recs := committed(t, h.sink, "tm")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Truncated)
	assert.Equal(t, pkt[:20], recs[0].Raw)
	assert.Equal(t, uint16(0x10), recs[0].Header.APID)
	assert.Equal(t, uint64(1), h.in.Stats().Truncated)
}

func TestIngesterPeerClose(t *testing.T) {
	h := startIngester(t, NewBuilder("tm").WithCommit(100, time.Hour))

	_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.NoError(t, h.peer.Close())

	select {
	case <-h.in.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingester did not close after peer hang-up")
	}
	assert.ErrorIs(t, h.in.Err(), io.EOF)
	assert.Len(t, committed(t, h.sink, "tm"), 1)
}

func TestIngesterContinuesPoolIndex(t *testing.T) {
	sink := storage.NewMemory()
	ctx := context.Background()
	_, err := sink.BeginPool(ctx, "tm")
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, sink.Insert(ctx, core.Record{Pool: "tm", Index: i, Raw: []byte{0}}))
	}
	_, err = sink.Commit(ctx, "tm")
	require.NoError(t, err)

	local, peer := net.Pipe()
	defer peer.Close()
	in, err := NewBuilder("tm").WithConn(local).WithSink(sink).WithReadTimeout(20 * time.Millisecond).Build()
	require.NoError(t, err)
	require.NoError(t, in.Start(ctx))

	_, err = peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return in.Stats().Stored == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, in.Close())

	recs := committed(t, sink, "tm")
	require.Len(t, recs, 6)
	assert.Equal(t, uint64(5), recs[5].Index)
}

type recordingPublisher struct {
	mu    sync.Mutex
	pools []string
	apids []uint16
	fail  bool
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, pool string, pkt *decoder.DecodedPacket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.pools = append(p.pools, pool)
	p.apids = append(p.apids, pkt.Header.APID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestIngesterPublishes(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{fail: true}
	h := startIngester(t, NewBuilder("tm").WithPublishers(ok, bad))

	_, err := h.peer.Write(append(
		makePacket(core.HeaderTM, 0x10, 1, nil),
		makePacket(core.HeaderTM, 0x12, 2, nil)...))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.in.Stats().Frames == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.in.Close())

	assert.Equal(t, []uint16{0x10, 0x12}, ok.apids)
	assert.Equal(t, []string{"tm", "tm"}, ok.pools)
	st := h.in.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(2), st.PublishErrors)
	assert.Equal(t, uint64(2), st.Stored)
}

func TestIngesterSendTC(t *testing.T) {
	h := startIngester(t, NewBuilder("tc").WithMode(ModeTC).WithCommit(100, time.Hour))

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := h.peer.Read(buf)
		received <- buf[:n]
	}()

	pkt := makePacket(core.HeaderTC, 0x20, 7, []byte{1})
	require.NoError(t, h.in.Send(context.Background(), pkt, "PING"))
	assert.Equal(t, pkt, <-received)

	// anything the peer sends on a TC link is drained, not stored
	_, err := h.peer.Write(makePacket(core.HeaderTM, 0x10, 1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.in.Stats().Drained > 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.in.Flush())
	recs := committed(t, h.sink, "tc")
	require.Len(t, recs, 1)
	assert.Equal(t, pkt, recs[0].Raw)
	assert.Equal(t, core.HeaderTC, recs[0].Header.Kind)
	assert.Equal(t, uint16(7), recs[0].Header.SeqCount)
	assert.Equal(t, uint64(1), h.in.Stats().Sent)

	require.NoError(t, h.in.Close())
	assert.ErrorIs(t, h.in.Send(context.Background(), pkt, "PING"), core.ErrPoolClosed)
}

func TestIngesterTruncatesToMaxPacketSize(t *testing.T) {
	h := startIngester(t, NewBuilder("tc").
		WithMode(ModeTC).
		WithCommit(100, time.Hour).
		WithFramer(decoder.FramerConfig{MaxPacketSize: 32}))
	go func() { _, _ = io.Copy(io.Discard, h.peer) }()

	pkt := makePacket(core.HeaderTC, 0x20, 1, bytes.Repeat([]byte{0x5A}, 40))
	require.NoError(t, h.in.Send(context.Background(), pkt, "LOAD"))
	assert.Equal(t, 1, h.in.Flush())

	recs := committed(t, h.sink, "tc")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Truncated)
	assert.Equal(t, pkt[:32], recs[0].Raw)
	assert.Equal(t, uint16(1), recs[0].Header.SeqCount)
	assert.Equal(t, uint64(1), h.in.Stats().Truncated)
}

func TestIngesterSendRejectsTMPool(t *testing.T) {
	h := startIngester(t, NewBuilder("tm"))
	err := h.in.Send(context.Background(), makePacket(core.HeaderTC, 0x20, 1, nil), "PING")
	assert.ErrorIs(t, err, core.ErrPoolReadOnly)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "paused", StatePaused.String())
}
