package pool

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
	"firestige.xyz/pusgate/internal/core/header"
	"firestige.xyz/pusgate/internal/schema"
	"firestige.xyz/pusgate/internal/storage"
	"firestige.xyz/pusgate/internal/tc"
)

// link is a TCP listener standing in for a ground station link.
type link struct {
	ln    net.Listener
	conns chan net.Conn
}

func newLink(t *testing.T) *link {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := &link{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			l.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return l
}

func (l *link) addr() string { return l.ln.Addr().String() }

func (l *link) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-l.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func tmPacket(apid, seq uint16) []byte {
	h := core.Header{
		Kind:           core.HeaderTM,
		APID:           apid,
		SeqFlags:       3,
		SeqCount:       seq,
		Length:         header.LengthField(core.HeaderTM, 2),
		PUSVersion:     1,
		ServiceType:    3,
		ServiceSubtype: 25,
	}
	return crc.Default().Append(append(header.Encode(h), 0xAA, 0xBB))
}

func newManager(t *testing.T, store Store, pools ...config.PoolConfig) (*Manager, *storage.Memory) {
	t.Helper()
	provider := schema.NewMemory()
	require.NoError(t, provider.AddTC(&schema.TCSchema{Mnemonic: "PING", ServiceType: 17, Subtype: 1, APID: 0x2C, Ack: schema.DefaultAck}))

	sink := storage.NewMemory()
	m, err := NewManager(Config{
		Sink:           sink,
		Commands:       tc.NewBuilder(provider, nil, tc.Config{}),
		BatchSize:      100,
		CommitInterval: time.Hour,
		ReadTimeout:    20 * time.Millisecond,
		Store:          store,
	}, pools)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll() })
	return m, sink
}

func TestManagerLifecycle(t *testing.T) {
	l := newLink(t)
	m, sink := newManager(t, nil, config.PoolConfig{Name: "hk", Address: l.addr()})

	require.NoError(t, m.Connect(context.Background(), "hk"))
	assert.ErrorIs(t, m.Connect(context.Background(), "hk"), core.ErrPoolAlreadyExists)
	peer := l.accept(t)
	assert.Equal(t, 1, m.Count())

	_, err := peer.Write(append(tmPacket(0x10, 1), tmPacket(0x10, 2)...))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := m.Status("hk")
		return err == nil && st[0].Stored == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Pause("hk"))
	st, err := m.Status("hk")
	require.NoError(t, err)
	assert.Equal(t, "paused", st[0].State)
	assert.Equal(t, "tm", st[0].Mode)
	assert.Equal(t, 2, st[0].Pending)
	require.NoError(t, m.Resume("hk"))

	require.NoError(t, m.Close("hk"))
	assert.ErrorIs(t, m.Close("hk"), core.ErrPoolClosed)
	assert.Equal(t, 0, m.Count())

	st, err = m.Status("")
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, "closed", st[0].State)
	assert.Equal(t, 0, st[0].Pending)

	var n int
	require.NoError(t, sink.Query(context.Background(), "hk", storage.Filter{}, func(core.Record) error {
		n++
		return nil
	}))
	assert.Equal(t, 2, n)
}

func TestManagerUnknownPool(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.ErrorIs(t, m.Connect(context.Background(), "nope"), core.ErrPoolNotFound)
	assert.ErrorIs(t, m.Pause("nope"), core.ErrPoolNotFound)
	assert.ErrorIs(t, m.Resume("nope"), core.ErrPoolNotFound)
	assert.ErrorIs(t, m.Close("nope"), core.ErrPoolNotFound)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, core.ErrPoolNotFound)
}

func TestManagerDeclareValidates(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.ErrorIs(t, m.Declare(config.PoolConfig{Name: "x"}), core.ErrConfigInvalid)
	assert.ErrorIs(t, m.Declare(config.PoolConfig{Name: "x", Address: "h:1", Mode: "rx"}), core.ErrConfigInvalid)
	require.NoError(t, m.Declare(config.PoolConfig{Name: "x", Address: "h:1"}))
	st, err := m.Status("x")
	require.NoError(t, err)
	assert.Equal(t, "tm", st[0].Mode)
}

func TestManagerDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, _ := newManager(t, nil, config.PoolConfig{Name: "hk", Address: addr})
	assert.Error(t, m.Connect(context.Background(), "hk"))
	st, err := m.Status("hk")
	require.NoError(t, err)
	assert.NotEmpty(t, st[0].LastError)
	assert.Equal(t, "closed", st[0].State)
}

func TestManagerSlowDialDoesNotBlockOtherPools(t *testing.T) {
	l := newLink(t)
	m, _ := newManager(t, nil,
		config.PoolConfig{Name: "far", Address: "10.255.255.1:1"},
		config.PoolConfig{Name: "hk", Address: l.addr()})

	release := make(chan struct{})
	dialing := make(chan struct{})
	direct := m.cfg.Dial
	m.cfg.Dial = func(ctx context.Context, address string) (net.Conn, error) {
		if address == "10.255.255.1:1" {
			close(dialing)
			<-release
			return nil, context.DeadlineExceeded
		}
		return direct(ctx, address)
	}

	farDone := make(chan error, 1)
	go func() { farDone <- m.Connect(context.Background(), "far") }()
	<-dialing

	statusDone := make(chan error, 1)
	go func() {
		_, err := m.Status("")
		statusDone <- err
	}()
	select {
	case err := <-statusDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("status blocked behind a dial")
	}

	assert.ErrorIs(t, m.Connect(context.Background(), "far"), core.ErrPoolAlreadyExists)
	assert.ErrorIs(t, m.Declare(config.PoolConfig{Name: "far", Address: "10.0.0.2:1"}), core.ErrPoolAlreadyExists)
	require.NoError(t, m.Connect(context.Background(), "hk"))
	l.accept(t)
	require.NoError(t, m.Pause("hk"))

	close(release)
	assert.ErrorIs(t, <-farDone, context.DeadlineExceeded)
	st, err := m.Status("far")
	require.NoError(t, err)
	assert.Equal(t, "closed", st[0].State)
	assert.NotEmpty(t, st[0].LastError)
	assert.Equal(t, 1, m.Count())
}

func TestManagerSendTC(t *testing.T) {
	tmLink, tcLink := newLink(t), newLink(t)
	m, sink := newManager(t, nil,
		config.PoolConfig{Name: "hk", Address: tmLink.addr()},
		config.PoolConfig{Name: "cmd", Address: tcLink.addr(), Mode: "tc"},
	)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "hk"))
	require.NoError(t, m.Connect(ctx, "cmd"))
	tmLink.accept(t)
	peer := tcLink.accept(t)

	_, err := m.SendTC(ctx, "hk", "PING", nil, tc.Options{})
	assert.ErrorIs(t, err, core.ErrPoolReadOnly)
	_, err = m.SendTC(ctx, "cmd", "NOPE", nil, tc.Options{})
	assert.ErrorIs(t, err, core.ErrSchemaNotFound)

	built, err := m.SendTC(ctx, "cmd", "ping", nil, tc.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), built.SeqCount)

	buf := make([]byte, len(built.Bytes))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = readFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, built.Bytes, buf)

	require.NoError(t, m.Close("cmd"))
	var stored []core.Record
	require.NoError(t, sink.Query(ctx, "cmd", storage.Filter{}, func(r core.Record) error {
		stored = append(stored, r)
		return nil
	}))
	require.Len(t, stored, 1)
	assert.Equal(t, built.Bytes, stored[0].Raw)

	_, err = m.SendTC(ctx, "cmd", "PING", nil, tc.Options{})
	assert.ErrorIs(t, err, core.ErrPoolClosed)
}

func readFull(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := c.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestManagerPeerHangUp(t *testing.T) {
	l := newLink(t)
	m, _ := newManager(t, nil, config.PoolConfig{Name: "hk", Address: l.addr()})
	require.NoError(t, m.Connect(context.Background(), "hk"))
	require.NoError(t, l.accept(t).Close())

	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	st, err := m.Status("hk")
	require.NoError(t, err)
	assert.Equal(t, "closed", st[0].State)
	assert.Contains(t, st[0].LastError, "EOF")
}

func TestManagerAutoConnectAndRestore(t *testing.T) {
	a, b := newLink(t), newLink(t)
	store, err := NewFileStore(filepath.Join(t.TempDir(), "pools"))
	require.NoError(t, err)

	m, _ := newManager(t, store,
		config.PoolConfig{Name: "a", Address: a.addr(), AutoConnect: true},
		config.PoolConfig{Name: "b", Address: b.addr()},
	)
	assert.Equal(t, 1, m.AutoConnect(context.Background()))
	a.accept(t)
	require.NoError(t, m.Declare(config.PoolConfig{Name: "c", Address: b.addr()}))
	require.NoError(t, m.Connect(context.Background(), "c"))
	b.accept(t)
	require.NoError(t, m.Pause("c"))
	require.NoError(t, m.CloseAll())

	pp, err := store.Load("c")
	require.NoError(t, err)
	assert.Equal(t, "paused", pp.State)

	// a fresh manager that only knows "a" and "b" from configuration
	m2, _ := newManager(t, store,
		config.PoolConfig{Name: "a", Address: a.addr(), AutoConnect: true},
		config.PoolConfig{Name: "b", Address: b.addr()},
	)
	m2.Restore(context.Background())
	a.accept(t)
	b.accept(t)
	assert.Equal(t, 0, m2.AutoConnect(context.Background()))
	assert.Equal(t, 2, m2.Count())

	st, err := m2.Status("c")
	require.NoError(t, err)
	assert.Equal(t, "paused", st[0].State)
	st, err = m2.Status("b")
	require.NoError(t, err)
	assert.Equal(t, "closed", st[0].State)
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pools")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = store.Load("hk")
	assert.ErrorIs(t, err, os.ErrNotExist)

	pp := PersistedPool{Config: config.PoolConfig{Name: "hk", Address: "h:1", Mode: "tm"}, State: "connected"}
	require.NoError(t, store.Save(pp))
	got, err := store.Load("hk")
	require.NoError(t, err)
	assert.Equal(t, persistenceVersion, got.Version)
	assert.Equal(t, pp.Config, got.Config)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hk.123.tmp"), []byte("{}"), 0o644))
	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hk", list[0].Config.Name)

	require.NoError(t, store.Delete("hk"))
	require.NoError(t, store.Delete("hk"))
	list, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
