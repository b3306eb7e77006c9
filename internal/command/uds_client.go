package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/pool"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. A missing or refused socket
// is reported as core.ErrDaemonNotRunning.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (*Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", core.ErrDaemonNotRunning, c.socketPath)
		}
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestLine)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// call issues method and decodes a successful result into out. A response
// carrying an error is returned as *ErrorInfo.
func (c *UDSClient) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to re-encode result: %w", err)
	}
	return json.Unmarshal(data, out)
}

// PoolConnect connects a declared pool, declaring it first when address is set.
func (c *UDSClient) PoolConnect(ctx context.Context, params PoolParams) error {
	return c.call(ctx, "pool.connect", params, nil)
}

// PoolPause pauses ingestion on a pool.
func (c *UDSClient) PoolPause(ctx context.Context, name string) error {
	return c.call(ctx, "pool.pause", PoolParams{Pool: name}, nil)
}

// PoolResume resumes a paused pool.
func (c *UDSClient) PoolResume(ctx context.Context, name string) error {
	return c.call(ctx, "pool.resume", PoolParams{Pool: name}, nil)
}

// PoolClose closes a pool's link.
func (c *UDSClient) PoolClose(ctx context.Context, name string) error {
	return c.call(ctx, "pool.close", PoolParams{Pool: name}, nil)
}

// PoolStatus returns the status of one pool, or of every pool when name is empty.
func (c *UDSClient) PoolStatus(ctx context.Context, name string) ([]pool.Status, error) {
	var out struct {
		Pools []pool.Status `json:"pools"`
	}
	if err := c.call(ctx, "pool.status", PoolParams{Pool: name}, &out); err != nil {
		return nil, err
	}
	return out.Pools, nil
}

// TCSend builds a telecommand in the daemon and writes it to a TC pool.
func (c *UDSClient) TCSend(ctx context.Context, params TCSendParams) (TCSendResult, error) {
	var out TCSendResult
	err := c.call(ctx, "tc.send", params, &out)
	return out, err
}

// DaemonStatus returns version, uptime and connected pool count.
func (c *UDSClient) DaemonStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, "daemon.status", nil, &out)
	return out, err
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, "daemon.shutdown", nil, nil)
}

// Ping checks whether the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
