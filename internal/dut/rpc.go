package dut

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Caller issues one driver call and returns its raw result.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is an error reported by the device.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: device error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

// EncodeParams marshals positional call arguments.
func EncodeParams(params ...any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// Client is a JSON-RPC client over one WebSocket connection.
// Calls are serialized; one request is in flight at a time.
type Client struct {
	mu     sync.Mutex
	url    string
	header http.Header
	conn   *websocket.Conn
	nextID uint64
}

// Dial connects to the device's JSON-RPC endpoint, e.g.
// ws://10.0.0.2/json_rpc.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, err := dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &Client{url: url, header: header, conn: conn}, nil
}

func dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status=%d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Call implements Caller. Cancelling ctx aborts the wait for the response.
// A connection that failed mid-call is dropped and the next call dials a
// new one.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raw, err := EncodeParams(params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := dial(ctx, c.url, c.header)
		if err != nil {
			return nil, fmt.Errorf("%s: reconnect: %w", method, err)
		}
		c.conn = conn
	}
	conn := c.conn

	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: raw}

	stop := context.AfterFunc(ctx, func() {
		// Unblocks a pending read or write.
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		c.drop()
		return nil, callError(ctx, method, "send", err)
	}

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop()
			return nil, callError(ctx, method, "receive", err)
		}
		if resp.ID != req.ID {
			// Reply to an earlier call that was abandoned.
			continue
		}
		if resp.Error != nil {
			resp.Error.Method = method
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// drop closes a connection whose deadlines or stream state can no longer be
// trusted. Callers hold c.mu.
func (c *Client) drop() {
	_ = c.conn.Close()
	c.conn = nil
}

func callError(ctx context.Context, method, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	return fmt.Errorf("%s: %s: %w", method, op, err)
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}
