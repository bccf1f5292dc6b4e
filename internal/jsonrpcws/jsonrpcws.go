// Package jsonrpcws is a minimal JSON-RPC 2.0 client over a WebSocket
// connection, covering request/response correlation and unsolicited
// subscription notifications. It exists because the retrieval corpus ships
// no Solana SDK; the Solana adapter is built directly on this primitive and
// gorilla/websocket, the one WebSocket library the corpus does carry.
package jsonrpcws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is one unsolicited server->client message delivered on a
// subscription, keyed by the subscription method name the server used
// ("accountNotification", "logsNotification", ...).
type Notification struct {
	Method string
	Params json.RawMessage
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	// Notifications have no id; method+params instead.
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("jsonrpcws: rpc error %d: %s", e.Code, e.Message) }

// Client is a connected JSON-RPC-over-WebSocket session. One Client per
// chain endpoint; safe for concurrent Call invocations.
type Client struct {
	conn   *websocket.Conn
	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan response

	notifyMu sync.RWMutex
	notify   chan Notification

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a WebSocket connection to url and starts the read pump.
// Notifications arriving before a caller reads them are buffered up to 256
// deep; a slow consumer drops the oldest rather than blocking the pump.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("jsonrpcws: dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan response),
		notify:  make(chan Notification, 256),
		closed:  make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Notifications returns the channel subscription notifications arrive on.
func (c *Client) Notifications() <-chan Notification { return c.notify }

// Call issues a request and blocks for its matched response or ctx's
// deadline, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&c.nextID, 1)
	replyCh := make(chan response, 1)

	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("jsonrpcws: marshal request: %w", err)
	}

	c.mu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, raw)
	c.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("jsonrpcws: write request: %w", writeErr)
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("jsonrpcws: connection closed")
	}
}

func (c *Client) readPump() {
	defer close(c.notify)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}

		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}

		if resp.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}

		if resp.Method != "" {
			select {
			case c.notify <- Notification{Method: resp.Method, Params: resp.Params}:
			default:
				// drop oldest by draining one slot, then push
				select {
				case <-c.notify:
				default:
				}
				select {
				case c.notify <- Notification{Method: resp.Method, Params: resp.Params}:
				default:
				}
			}
		}
	}
}

// Closed reports whether the underlying connection has dropped.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close terminates the connection and stops the read pump.
func (c *Client) Close() error {
	return c.conn.Close()
}

// PingInterval is the keepalive cadence recommended for long-lived
// subscription connections; callers that want a heartbeat can use it with
// a time.Ticker and Client.Ping.
const PingInterval = 30 * time.Second

// Ping sends a WebSocket-level ping frame, used to detect a half-open
// connection before a full request round-trip would time out.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}
