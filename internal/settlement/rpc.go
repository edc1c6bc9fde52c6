package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chessbet/internal/signer"
)

const (
	methodOpenChannel  = "create_channel"
	methodUpdateState  = "update_state"
	methodCloseChannel = "close_channel"
)

type request struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Signature string          `json:"sig,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCClient is a websocket JSON-RPC client for the settlement node. Requests
// are signed with the server key and correlated to responses by id; each call
// is bounded by the configured timeout.
type RPCClient struct {
	url     string
	timeout time.Duration
	signer  signer.Signer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	nextID  uint64
	closed  bool
}

func NewRPCClient(url string, timeout time.Duration, s signer.Signer) *RPCClient {
	return &RPCClient{
		url:     url,
		timeout: timeout,
		signer:  s,
		pending: make(map[uint64]chan response),
	}
}

// Connect dials the node and starts the read loop.
func (c *RPCClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial settlement node: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)

	log.Printf("[SETTLE] Connected to settlement node at %s", c.url)
	return nil
}

func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil

	// Fail anything still in flight.
	for id, ch := range c.pending {
		ch <- response{ID: id, Error: "connection closed"}
		delete(c.pending, id)
	}
	return err
}

func (c *RPCClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				log.Printf("[SETTLE] Read error: %v", err)
				c.Close()
			}
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[SETTLE] Malformed response: %v", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}

	req := request{
		ID:     atomic.AddUint64(&c.nextID, 1),
		Method: method,
		Params: rawParams,
	}
	if sig, err := c.signer.Sign(rawParams); err == nil {
		req.Signature = sig
	}

	respCh := make(chan response, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[req.ID] = respCh
	err = c.conn.WriteJSON(req)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(req.ID)
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return fmt.Errorf("settlement node: %s", resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-timer.C:
		c.dropPending(req.ID)
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		c.dropPending(req.ID)
		return ctx.Err()
	}
}

func (c *RPCClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *RPCClient) OpenChannel(ctx context.Context, params OpenParams) (string, error) {
	var result struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.call(ctx, methodOpenChannel, params, &result); err != nil {
		return "", err
	}
	if result.ChannelID == "" {
		return "", fmt.Errorf("settlement node returned no channel id")
	}

	log.Printf("[SETTLE] Opened channel %s for room %s", result.ChannelID, params.RoomID)
	return result.ChannelID, nil
}

func (c *RPCClient) UpdateState(ctx context.Context, update StateUpdate) error {
	return c.call(ctx, methodUpdateState, update, nil)
}

func (c *RPCClient) CloseChannel(ctx context.Context, params CloseParams) error {
	if err := c.call(ctx, methodCloseChannel, params, nil); err != nil {
		return err
	}
	log.Printf("[SETTLE] Closed channel %s", params.ChannelID)
	return nil
}
