// Package client implements the engine side of one provider connection:
// addressed, correlated, timeout-bounded requests over a persistent socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caprun/caprun/internal/cerr"
	"github.com/caprun/caprun/internal/metrics"
	"github.com/caprun/caprun/internal/protocol"
	"github.com/caprun/caprun/internal/scheduler"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCallTimeout    = 30 * time.Second
)

// Caller is the mandatory surface every provider connection exposes.
// The registry and orchestrator only ever see this interface.
type Caller interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method protocol.Method, params any) (json.RawMessage, error)
	Execute(ctx context.Context, action string, args []any) (json.RawMessage, error)
	Connected() bool
	Close() error
}

type callResult struct {
	data json.RawMessage
	err  error
}

// pendingCall tracks one in-flight request. It is removed from the pending map
// exactly once: on matching response, on timeout, or on connection loss.
type pendingCall struct {
	ch      chan callResult
	created time.Time
}

// Client is a Caller over one TCP connection. Safe for concurrent calls;
// responses are matched to callers by correlation id.
type Client struct {
	addr           string
	connectTimeout time.Duration
	callTimeout    time.Duration

	mu        sync.Mutex
	conn      net.Conn
	framer    *protocol.Framer
	pending   map[string]*pendingCall
	connected bool
}

var _ Caller = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithConnectTimeout overrides the dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// New builds a Client for addr (host:port). Connect must be called before Call.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:           addr,
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
		pending:        make(map[string]*pendingCall),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the transport. Reconnecting an already-connected client is a
// no-op; a dropped client may be reconnected by calling Connect again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return cerr.Connectionf("dial %s: %v", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.framer = protocol.NewFramer(conn)
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection and rejects all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.dropConnection(errors.New("closed by caller"))
	return err
}

// Call sends method with params and blocks for the correlated response. It
// returns result.data on success, a ProtocolError on a wire error, and
// ErrRequestTimeout when the per-call timeout expires first. A response
// arriving after the timeout is discarded by the read loop.
func (c *Client) Call(ctx context.Context, method protocol.Method, params any) (json.RawMessage, error) {
	req, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, cerr.Connectionf("not connected to %s", c.addr)
	}
	pc := &pendingCall{ch: make(chan callResult, 1), created: time.Now()}
	c.pending[req.ID] = pc
	framer := c.framer
	c.mu.Unlock()

	metrics.IncRPCRequest(string(method))
	if err := framer.WriteRequest(req); err != nil {
		c.removePending(req.ID)
		metrics.IncRPCFailure(string(method))
		return nil, cerr.Connectionf("write %s: %v", method, err)
	}

	timeout := scheduler.After(c.callTimeout)
	defer timeout.Stop()

	select {
	case res := <-pc.ch:
		if res.err != nil {
			metrics.IncRPCFailure(string(method))
		}
		return res.data, res.err
	case <-timeout.C():
		c.removePending(req.ID)
		metrics.IncRPCFailure(string(method))
		return nil, cerr.ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(req.ID)
		metrics.IncRPCFailure(string(method))
		return nil, ctx.Err()
	}
}

// Execute is a convenience wrapper over the execute method.
func (c *Client) Execute(ctx context.Context, action string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return c.Call(ctx, protocol.MethodExecute, protocol.ExecuteParams{Action: action, Args: args})
}

// PendingCount returns the number of in-flight calls.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) removePending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[id]
	delete(c.pending, id)
	return pc
}

// readLoop owns reads on conn until the peer closes or a read fails. Each
// response is delivered to its pending call; unmatched ids are discarded.
func (c *Client) readLoop() {
	framer := func() *protocol.Framer {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.framer
	}()
	for {
		res, err := framer.ReadResponse()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("provider connection read failed", "addr", c.addr, "error", err)
			}
			c.dropConnection(err)
			return
		}
		pc := c.removePending(res.ID)
		if pc == nil {
			// Late response for a timed-out or unknown id.
			slog.Debug("discarding uncorrelated response", "addr", c.addr, "id", res.ID)
			continue
		}
		pc.ch <- decode(res)
	}
}

func decode(res protocol.Response) callResult {
	if res.Error != nil {
		return callResult{err: cerr.NewProtocolError(res.Error.Code, res.Error.Message)}
	}
	if res.Result == nil {
		return callResult{err: cerr.NewProtocolError(protocol.CodeBadRequest, "response carries neither result nor error")}
	}
	if !res.Result.Success {
		return callResult{err: cerr.NewProtocolError(protocol.CodeInternal, "provider reported failure")}
	}
	return callResult{data: res.Result.Data}
}

// dropConnection marks the client disconnected and rejects every pending call
// with a connection error. Reconnection is the caller's decision.
func (c *Client) dropConnection(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	orphans := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, pc := range orphans {
		pc.ch <- callResult{err: cerr.Connectionf("connection lost: %v", cause)}
	}
}
