// Package command implements the local control plane.
package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/pusgate/internal/config"
	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/pool"
	"firestige.xyz/pusgate/internal/tc"
)

// Version is reported by daemon.status.
var Version = "dev"

// CommandHandler handles control plane commands.
type CommandHandler struct {
	pools        *pool.Manager
	shutdownFunc func() // called by daemon.shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(pools *pool.Manager) *CommandHandler {
	return &CommandHandler{
		pools:     pools,
		startTime: time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes. The -320xx range carries pool and command failures.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	ErrCodePoolNotFound = -32001
	ErrCodePoolState    = -32002
	ErrCodeSchema       = -32003
	ErrCodeValidation   = -32004
	ErrCodeLinkFailure  = -32005
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "pool.connect":
		return h.handlePoolConnect(ctx, cmd)
	case "pool.pause":
		return h.handlePoolAction(cmd, h.pools.Pause, "paused")
	case "pool.resume":
		return h.handlePoolAction(cmd, h.pools.Resume, "connected")
	case "pool.close":
		return h.handlePoolAction(cmd, h.pools.Close, "closed")
	case "pool.status":
		return h.handlePoolStatus(cmd)
	case "tc.send":
		return h.handleTCSend(ctx, cmd)
	case "daemon.status":
		return h.handleDaemonStatus(cmd)
	case "daemon.shutdown":
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

// PoolParams names a pool. Address and Mode are only read by pool.connect,
// which declares the pool first when an address is given.
type PoolParams struct {
	Pool    string `json:"pool"`
	Address string `json:"address,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// TCSendParams are the parameters of tc.send.
type TCSendParams struct {
	Pool       string `json:"pool"`
	Mnemonic   string `json:"mnemonic"`
	Args       []any  `json:"args,omitempty"`
	Ack        *uint8 `json:"ack,omitempty"`
	NoValidate bool   `json:"no_validate,omitempty"`
}

// TCSendResult describes the packet tc.send put on the link.
type TCSendResult struct {
	Pool     string `json:"pool"`
	Mnemonic string `json:"mnemonic"`
	APID     uint16 `json:"apid"`
	SeqCount uint16 `json:"seq_count"`
	Service  uint8  `json:"service"`
	Subtype  uint8  `json:"subtype"`
	Hex      string `json:"hex"`
}

func (h *CommandHandler) handlePoolConnect(ctx context.Context, cmd Command) Response {
	var p PoolParams
	if resp, ok := decodePool(cmd, &p); !ok {
		return resp
	}
	if p.Address != "" {
		if err := h.pools.Declare(config.PoolConfig{Name: p.Pool, Address: p.Address, Mode: p.Mode}); err != nil {
			return failure(cmd.ID, err)
		}
	}
	if err := h.pools.Connect(ctx, p.Pool); err != nil {
		return failure(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]any{"pool": p.Pool, "state": "connected"}}
}

func (h *CommandHandler) handlePoolAction(cmd Command, action func(string) error, state string) Response {
	var p PoolParams
	if resp, ok := decodePool(cmd, &p); !ok {
		return resp
	}
	if err := action(p.Pool); err != nil {
		return failure(cmd.ID, err)
	}
	slog.Info("pool command applied", "method", cmd.Method, "pool", p.Pool)
	return Response{ID: cmd.ID, Result: map[string]any{"pool": p.Pool, "state": state}}
}

func (h *CommandHandler) handlePoolStatus(cmd Command) Response {
	var p PoolParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	st, err := h.pools.Status(p.Pool)
	if err != nil {
		return failure(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: map[string]any{"pools": st}}
}

func (h *CommandHandler) handleTCSend(ctx context.Context, cmd Command) Response {
	var p TCSendParams
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.Pool == "" || p.Mnemonic == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "pool and mnemonic are required")
	}

	built, err := h.pools.SendTC(ctx, p.Pool, p.Mnemonic, p.Args, tc.Options{Ack: p.Ack, NoValidate: p.NoValidate})
	if err != nil {
		return failure(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: TCSendResult{
		Pool:     p.Pool,
		Mnemonic: built.Mnemonic,
		APID:     built.APID,
		SeqCount: built.SeqCount,
		Service:  built.ServiceType,
		Subtype:  built.Subtype,
		Hex:      hex.EncodeToString(built.Bytes),
	}}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: map[string]any{
			"version":    Version,
			"uptime_sec": int64(time.Since(h.startTime).Seconds()),
			"connected":  h.pools.Count(),
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}
	slog.Info("daemon.shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first
	return Response{ID: cmd.ID, Result: map[string]any{"status": "shutting_down"}}
}

func decodePool(cmd Command, p *PoolParams) (Response, bool) {
	if err := json.Unmarshal(cmd.Params, p); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err)), false
	}
	if p.Pool == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "pool is required"), false
	}
	return Response{}, true
}

// failure maps a domain error onto a response code.
func failure(id string, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrPoolNotFound):
		code = ErrCodePoolNotFound
	case errors.Is(err, core.ErrPoolClosed), errors.Is(err, core.ErrPoolAlreadyExists), errors.Is(err, core.ErrPoolReadOnly):
		code = ErrCodePoolState
	case errors.Is(err, core.ErrSchemaNotFound), errors.Is(err, core.ErrSchemaInvalid):
		code = ErrCodeSchema
	case errors.Is(err, core.ErrOutOfRange), errors.Is(err, core.ErrInvalidAlias),
		errors.Is(err, core.ErrEncode), errors.Is(err, core.ErrPacketTooLarge):
		code = ErrCodeValidation
	case errors.Is(err, core.ErrConfigInvalid):
		code = ErrCodeInvalidParams
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			code = ErrCodeLinkFailure
		}
	}
	return errorResponse(id, code, err.Error())
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
