package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/protocol"
)

// ErrConnClosed indicates a send on a connection that already closed.
var ErrConnClosed = errors.New("connection closed")

// ErrSendBufferFull indicates the agent's outbound queue is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// client is one agent WebSocket connection. It implements Transport: the
// write pump is the only goroutine touching the socket for writes, so sends
// are serialized per connection.
type client struct {
	conn       *websocket.Conn
	shopID     string
	remoteAddr string
	send       chan []byte
	hub        *Hub

	closeOnce sync.Once
	closed    chan struct{}
}

// Send queues data for the write pump. It never blocks: a saturated buffer
// is reported as a send failure rather than stalling the caller.
func (c *client) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close terminates the connection. Safe to call from any goroutine and more
// than once; the registry uses it to supersede stale connections.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

// Open reports whether the connection is still usable.
func (c *client) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// RemoteAddr returns the peer address.
func (c *client) RemoteAddr() string { return c.remoteAddr }

// Hub accepts agent connections, binds them into the registry and routes
// their inbound messages: presence updates to the registry, task results to
// the ledger. Each connection gets its own read and write goroutines, so
// messages stay ordered per connection while shops proceed in parallel.
type Hub struct {
	log      zerolog.Logger
	cfg      *Config
	registry *Registry
	ledger   *Ledger
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// NewHub creates a hub over the given registry and ledger.
func NewHub(log zerolog.Logger, cfg *Config, registry *Registry, ledger *Ledger, metrics *Metrics) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		cfg:      cfg,
		registry: registry,
		ledger:   ledger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an agent connection. The X-Shop-Id header is mandatory;
// a connection without it is closed with a policy violation. When an agent
// token is configured the Authorization header must match.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AgentToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+h.cfg.AgentToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	shopID := strings.TrimSpace(r.Header.Get("X-Shop-Id"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if shopID == "" {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("rejecting connection without shop id")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing shop id")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	c := &client{
		conn:       conn,
		shopID:     shopID,
		remoteAddr: r.RemoteAddr,
		send:       make(chan []byte, 64),
		hub:        h,
	}
	c.closed = make(chan struct{})

	if v := r.Header.Get("X-Agent-Version"); v != "" {
		h.registry.UpdatePresence(shopID, Presence{Version: v})
	}
	h.registry.Bind(shopID, c, r.RemoteAddr)
	h.metrics.SetConnectedShops(h.registry.ConnectedCount())

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the agent until the connection dies, then
// unbinds it. Messages from one connection are handled in arrival order.
func (c *client) readPump() {
	defer func() {
		_ = c.Close()
		c.hub.registry.Unbind(c.shopID, c)
		c.hub.metrics.SetConnectedShops(c.hub.registry.ConnectedCount())
	}()

	pongWait := c.hub.cfg.PingInterval * 2
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("shop", c.shopID).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleMessage(c, data)
	}
}

// writePump serializes all writes to the socket and sends liveness pings to
// detect half-open connections.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes one inbound message. Malformed input is logged and
// dropped; it never tears down the connection.
func (h *Hub) handleMessage(c *client, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debug().Str("shop", c.shopID).Msg("ignoring malformed message")
		return
	}

	switch msg.Type {
	case protocol.TypeRegister:
		var payload protocol.RegisterPayload
		if err := msg.ParsePayload(&payload); err != nil {
			h.log.Debug().Err(err).Str("shop", c.shopID).Msg("bad register payload")
			return
		}
		h.registry.UpdatePresence(c.shopID, Presence{
			Version:      payload.Version,
			Platform:     payload.Platform,
			Arch:         payload.Arch,
			Hostname:     payload.Hostname,
			Capabilities: payload.Capabilities,
			Heartbeat:    true,
		})
		h.log.Info().
			Str("shop", c.shopID).
			Str("version", payload.Version).
			Str("platform", payload.Platform).
			Msg("agent registered")
		h.ack(c, msg.ID)

	case protocol.TypeHeartbeat:
		var payload protocol.HeartbeatPayload
		if err := msg.ParsePayload(&payload); err != nil {
			h.log.Debug().Err(err).Str("shop", c.shopID).Msg("bad heartbeat payload")
			return
		}
		devices := payload.Devices
		if devices == nil {
			devices = []protocol.Device{}
		}
		history := payload.History
		if history == nil {
			history = []protocol.HistoryEntry{}
		}
		h.registry.UpdatePresence(c.shopID, Presence{
			Version:   payload.Version,
			Platform:  payload.Platform,
			Arch:      payload.Arch,
			Hostname:  payload.Hostname,
			Devices:   devices,
			History:   history,
			Telemetry: payload.Telemetry,
			Heartbeat: true,
		})
		h.ack(c, msg.ID)

	case protocol.TypeTaskResult:
		taskID := msg.ID
		if taskID == "" {
			// Some agent builds key results by taskId instead of id.
			var alt struct {
				TaskID string `json:"taskId"`
			}
			_ = json.Unmarshal(data, &alt)
			taskID = alt.TaskID
		}
		if taskID == "" {
			h.log.Debug().Str("shop", c.shopID).Msg("task_result without id")
			return
		}
		var payload protocol.TaskResultPayload
		if err := msg.ParsePayload(&payload); err != nil {
			h.log.Debug().Err(err).Str("shop", c.shopID).Msg("bad task_result payload")
			return
		}
		status := StatusError
		if payload.Status == "success" {
			status = StatusSuccess
		}
		h.ledger.Complete(taskID, status, msg.Payload, payload.Message)

	case protocol.TypePrintResult:
		var res protocol.LegacyPrintResult
		if err := json.Unmarshal(data, &res); err != nil || res.TaskID == "" {
			h.log.Debug().Str("shop", c.shopID).Msg("bad print_result message")
			return
		}
		status := StatusError
		if res.Success {
			status = StatusSuccess
		}
		result, _ := json.Marshal(protocol.TaskResultPayload{
			Status:    string(status),
			Message:   res.Error,
			BytesSent: res.BytesSent,
		})
		h.ledger.Complete(res.TaskID, status, result, res.Error)

	case protocol.TypeLogEvent:
		var payload protocol.LogEventPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		level := strings.ToLower(payload.Level)
		if level == "error" || level == "warn" || level == "warning" {
			h.registry.RecordError(c.shopID, payload.Message)
		}

	default:
		h.log.Debug().Str("shop", c.shopID).Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

// ack confirms receipt of a register or heartbeat, echoing the originating
// message id when present.
func (h *Hub) ack(c *client, id string) {
	msg, err := protocol.NewMessage(protocol.TypeAck, id, protocol.AckPayload{OK: true})
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.Send(data); err != nil {
		h.log.Debug().Err(err).Str("shop", c.shopID).Msg("failed to send ack")
	}
}
