package daemon

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Client talks to a running daemon over its status socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a client for cfg.SocketPath.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: cfg.SocketPath, timeout: timeout}
}

// IsRunning reports whether the daemon accepts connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	return c.call(ctx, MethodPing, nil, &res)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTasks lists tasks matching p.
func (c *Client) ListTasks(ctx context.Context, p TasksListParams) ([]TaskSummary, error) {
	if err := p.Validate(); err != nil {
		return nil, merrors.ValidationError("invalid params", err)
	}
	var res []TaskSummary
	if err := c.call(ctx, MethodTasksList, p, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Requeue moves a failed task back to pending.
func (c *Client) Requeue(ctx context.Context, id string) error {
	p := RequeueParams{ID: id}
	if err := p.Validate(); err != nil {
		return merrors.ValidationError("invalid params", err)
	}
	var res map[string]string
	return c.call(ctx, MethodTasksRequeue, p, &res)
}

// Search queries the daemon's search engine.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if err := p.Validate(); err != nil {
		return nil, merrors.ValidationError("invalid params", err)
	}
	var res []SearchResult
	if err := c.call(ctx, MethodSearch, p, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Reindex asks the daemon to re-enqueue index tasks for live records.
func (c *Client) Reindex(ctx context.Context, p ReindexParams) (*ReindexStatus, error) {
	var res ReindexStatus
	if err := c.call(ctx, MethodReindex, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// call performs one request/response exchange. RPC failures come back as
// *Error.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return merrors.NetworkError("connect to daemon at "+c.socketPath, err).
			WithSuggestion("start it with 'mediasync serve'")
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{JSONRPC: "2.0", Method: method, ID: c.nextID()}
	if params != nil {
		req.Params, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return merrors.NetworkError("send request", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return merrors.NetworkError("receive response", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}
