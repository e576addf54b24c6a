package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/config"
	"github.com/easyify/printer-hub/internal/protocol"
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// WebSocketClient manages the WebSocket connection to the relay.
type WebSocketClient struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan *protocol.Message
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// NewWebSocketClient creates a new WebSocket client.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
		handler:  handler,
		messages: make(chan *protocol.Message, 100),
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0 // retry forever
	return b
}

// Run connects to the relay and maintains the connection, reconnecting with
// exponential backoff. It blocks until the context is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	b := newBackoff()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			wait := b.NextBackOff()
			c.log.Error().Err(err).Dur("backoff", wait).Msg("connection failed, retrying")
			sleepCtx(ctx, wait)
			continue
		}

		// Connected - reset backoff
		b.Reset()

		// Read messages until disconnect
		c.readLoop(ctx)

		// Disconnected - wait before reconnecting
		sleepCtx(ctx, b.NextBackOff())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// connect establishes the WebSocket connection.
func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.RelayURL).Msg("connecting")

	// Identity travels in headers so the relay can reject before any message
	header := http.Header{}
	header.Set("X-Shop-Id", c.cfg.ShopID)
	header.Set("X-Agent-Version", Version)
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.RelayURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Configure connection
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	// Start ping goroutine
	go c.pingLoop(ctx, conn)

	// Notify handler
	c.handler.OnConnected()

	return nil
}

// readLoop reads messages from the WebSocket.
func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}
		if msg.Type == protocol.TypePrint {
			// Legacy print tasks are flat, the whole frame is the payload.
			msg.Payload = data
		}

		c.log.Debug().Str("type", msg.Type).Msg("received message")

		select {
		case c.messages <- &msg:
		default:
			c.log.Warn().Msg("message queue full, dropping message")
		}
	}
}

// pingLoop sends periodic pings on the given connection.
func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// SendMessage sends an enveloped message to the relay.
func (c *WebSocketClient) SendMessage(msgType, id string, payload any) error {
	msg, err := protocol.NewMessage(msgType, id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// SendRaw sends a pre-marshalled message, used for the flat legacy result
// shape that has no envelope.
func (c *WebSocketClient) SendRaw(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *WebSocketClient) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel for incoming messages.
func (c *WebSocketClient) Messages() <-chan *protocol.Message {
	return c.messages
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Wait briefly for close acknowledgment. The lock is not held here so
	// concurrent sends are not stalled during shutdown.
	time.Sleep(100 * time.Millisecond)
	return conn.Close()
}

// IsConnected returns whether the client currently has a connection.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
