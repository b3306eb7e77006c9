package pipeline

import (
	"context"

	"firestige.xyz/pusgate/internal/core/decoder"
)

// Publisher receives every decoded packet of a pool as it arrives, before
// it is committed. Publishing is best effort: errors are counted and logged.
// Publishers may be shared between pools; their owner closes them.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, pool string, pkt *decoder.DecodedPacket) error
	Close() error
}
