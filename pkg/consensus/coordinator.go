package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// CoordinatorClient is the Querier used in aggregated mode. It keeps one
// websocket connection to the coordinator hub and correlates responses to
// in-flight requests by request id.
type CoordinatorClient struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *VerifyResponse
	closed  bool
}

// NewCoordinatorClient returns a client that dials lazily on the first
// request.
func NewCoordinatorClient() *CoordinatorClient {
	return &CoordinatorClient{pending: make(map[string]chan *VerifyResponse)}
}

// Verify implements Querier over the coordinator websocket protocol. The
// endpoint is the coordinator's ws:// URL.
func (c *CoordinatorClient) Verify(ctx context.Context, endpoint string, req *VerifyRequest) (*VerifyResponse, error) {
	respCh := make(chan *VerifyResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator client closed")
	}
	if c.conn == nil {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.conn = conn
		go c.readLoop(conn)
	}
	c.pending[req.RequestID] = respCh
	err := c.conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.drop(req.RequestID)
		c.resetConn()
		return nil, fmt.Errorf("failed to send verify request: %v", err)
	}

	select {
	case <-ctx.Done():
		c.drop(req.RequestID)
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("coordinator connection lost")
		}
		return resp, nil
	}
}

func (c *CoordinatorClient) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator %s: %v", endpoint, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	log.Info().Str("coordinator", endpoint).Msg("Connected to coordinator")
	return conn, nil
}

func (c *CoordinatorClient) readLoop(conn *websocket.Conn) {
	for {
		var resp VerifyResponse
		if err := conn.ReadJSON(&resp); err != nil {
			log.Warn().Err(err).Msg("Coordinator connection read failed")
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			log.Debug().Str("request_id", resp.RequestID).Msg("Dropping response for unknown request")
			continue
		}
		ch <- &resp
	}
}

func (c *CoordinatorClient) drop(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *CoordinatorClient) resetConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Close tears down the connection and fails all in-flight requests.
func (c *CoordinatorClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
