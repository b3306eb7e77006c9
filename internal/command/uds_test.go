package command

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/header"
)

// socketDir keeps socket paths under the unix path length limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pg")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, h *CommandHandler) *UDSClient {
	t.Helper()
	sock := filepath.Join(socketDir(t), "ctl.sock")
	srv := NewUDSServer(sock, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	return NewUDSClient(sock, 2*time.Second)
}

func TestUDSDaemonNotRunning(t *testing.T) {
	c := NewUDSClient(filepath.Join(socketDir(t), "missing.sock"), time.Second)
	assert.ErrorIs(t, c.Ping(context.Background()), core.ErrDaemonNotRunning)
}

func TestUDSRoundTrip(t *testing.T) {
	c := startServer(t, newTestHandler(t))
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	resp, err := c.Call(ctx, "bogus", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	err = c.PoolPause(ctx, "nope")
	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, ErrCodePoolNotFound, info.Code)

	st, err := c.PoolStatus(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestUDSTCSend(t *testing.T) {
	addr, conns := listen(t)
	h := newTestHandler(t, config.PoolConfig{Name: "up", Address: addr, Mode: "tc"})
	c := startServer(t, h)
	ctx := context.Background()

	require.NoError(t, c.PoolConnect(ctx, PoolParams{Pool: "up"}))
	peer := <-conns
	t.Cleanup(func() { _ = peer.Close() })

	res, err := c.TCSend(ctx, TCSendParams{Pool: "up", Mnemonic: "PING"})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2C), res.APID)
	assert.Equal(t, uint8(17), res.Service)
	assert.Equal(t, uint8(1), res.Subtype)

	// PING has no arguments: 10-byte header plus CRC.
	buf := make([]byte, 12)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	hdr, err := header.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, core.HeaderTC, hdr.Kind)
	assert.Equal(t, res.SeqCount, hdr.SeqCount)
	assert.Len(t, res.Hex, 24)

	st, err := c.PoolStatus(ctx, "up")
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, "tc", st[0].Mode)
	assert.Equal(t, uint64(1), st[0].Sent)

	require.NoError(t, c.PoolClose(ctx, "up"))
}
