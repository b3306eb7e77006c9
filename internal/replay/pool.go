package replay

import (
	"context"
	"fmt"
	"net"
	"time"

	"firestige.xyz/pusgate/internal/pipeline"
)

// Source produces frames for ToPool.
type Source func(emit Emit) (Stats, error)

// ToPool stores every frame src produces in a pool, through the same
// ingestion path a live link uses. b must not carry a connection; ToPool
// supplies one.
func ToPool(ctx context.Context, b *pipeline.Builder, src Source) (Stats, pipeline.Stats, error) {
	local, peer := net.Pipe()
	in, err := b.WithConn(local).Build()
	if err != nil {
		_ = peer.Close()
		return Stats{}, pipeline.Stats{}, err
	}
	if err := in.Start(ctx); err != nil {
		_ = peer.Close()
		return Stats{}, pipeline.Stats{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = in.Close() })
	defer stop()

	var writeErr error
	stats, srcErr := src(func(frame []byte, _ time.Time) {
		if writeErr != nil {
			return
		}
		_, writeErr = peer.Write(frame)
	})

	// the ingester sees EOF once it has consumed everything written
	_ = peer.Close()
	<-in.Done()

	if srcErr != nil {
		return stats, in.Stats(), srcErr
	}
	if writeErr != nil {
		return stats, in.Stats(), fmt.Errorf("replay into %s: %w", in.Pool(), writeErr)
	}
	return stats, in.Stats(), ctx.Err()
}
