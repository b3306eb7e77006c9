package cmd

import (
	"context"

	"firestige.xyz/pusgate/internal/command"
	"firestige.xyz/pusgate/internal/pool"
)

// controlClient is the part of the control socket client the commands use.
type controlClient interface {
	PoolConnect(ctx context.Context, params command.PoolParams) error
	PoolPause(ctx context.Context, name string) error
	PoolResume(ctx context.Context, name string) error
	PoolClose(ctx context.Context, name string) error
	PoolStatus(ctx context.Context, name string) ([]pool.Status, error)
	TCSend(ctx context.Context, params command.TCSendParams) (command.TCSendResult, error)
	DaemonStatus(ctx context.Context) (map[string]any, error)
	Shutdown(ctx context.Context) error
}

// newClient is replaced in tests.
var newClient = func() controlClient {
	return command.NewUDSClient(controlSocket(), controlTimeout)
}
