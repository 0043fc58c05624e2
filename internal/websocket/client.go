package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/infographic/internal/imagegen"
	"github.com/dukerupert/infographic/internal/poller"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client streams the progress of one generation task over a WebSocket.
// Each client owns its poller; closing the connection cancels it.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	checker poller.Checker
	opts    []poller.Option
	send    chan poller.Update

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, checker poller.Checker, opts ...poller.Option) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		checker: checker,
		opts:    opts,
		send:    make(chan poller.Update, sendBufferSize),
	}
}

// Run polls taskID and writes every state change to the connection until
// the task is terminal or the connection goes away.
func (c *Client) Run(ctx context.Context, taskID string) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.hub.Register(c)
	defer c.hub.Unregister(c)

	opts := append(append([]poller.Option{}, c.opts...), poller.WithOnUpdate(func(u poller.Update) {
		select {
		case c.send <- u:
		case <-ctx.Done():
		}
	}))
	p := poller.New(c.checker, opts...)
	if err := p.Start(ctx, imagegen.TaskSubmitted{TaskID: taskID}); err != nil {
		c.conn.Close(ws.StatusPolicyViolation, err.Error())
		return
	}
	defer func() {
		// Cancel the context first so a blocked update send cannot stall the poller.
		cancel()
		p.Cancel()
	}()

	go c.readPump(ctx, cancel)
	c.writePump(ctx)
}

// Stop ends the stream.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// readPump discards incoming messages. It returns on error (connection
// close) and cancels the stream.
func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump forwards poller updates and closes the connection after the
// terminal one. It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case u := <-c.send:
			data, err := json.Marshal(u)
			if err != nil {
				c.hub.logger.Error("marshal task update", "error", err)
				continue
			}
			if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
				return
			}
			if u.State.Terminal() {
				c.conn.Close(ws.StatusNormalClosure, string(u.State))
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			c.conn.Close(ws.StatusGoingAway, "stream closed")
			return
		}
	}
}
