// Package agent implements the shop-side print agent. It dials out to the
// relay, registers its shop id and pushes print jobs to local printers.
package agent

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/config"
	"github.com/easyify/printer-hub/internal/protocol"
)

// Version is the agent version.
const Version = "1.4.0"

const historyCap = 50

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg    *config.Config
	log    zerolog.Logger
	ws     *WebSocketClient
	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time

	// State
	mu            sync.RWMutex
	devices       []protocol.Device
	history       []protocol.HistoryEntry
	lastSuccessAt time.Time
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, log zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		devices:   append([]protocol.Device(nil), cfg.Printers...),
	}
}

// Run starts the agent and blocks until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("shop", a.cfg.ShopID).
		Str("url", a.cfg.RelayURL).
		Int("printers", len(a.cfg.Printers)).
		Msg("starting agent")

	a.ws = NewWebSocketClient(a.cfg, a.log, a)

	var wg sync.WaitGroup

	// Heartbeat loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop()
	}()

	// Message handler loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	// WebSocket connection loop (blocks until shutdown)
	a.ws.Run(a.ctx)

	wg.Wait()

	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing websocket")
		}
	}
}

// OnConnected is called when the WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to relay")

	payload := protocol.RegisterPayload{
		ShopID:       a.cfg.ShopID,
		Version:      Version,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		Hostname:     a.cfg.Hostname,
		Capabilities: []string{"print", "print-test", "config", "ping"},
	}

	if err := a.ws.SendMessage(protocol.TypeRegister, "", payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send registration")
		return
	}
	a.log.Debug().Msg("registration sent")

	// First heartbeat right away so the relay has a device snapshot
	a.sendHeartbeat()
}

// OnDisconnected is called when the WebSocket disconnects.
func (a *Agent) OnDisconnected() {
	a.log.Warn().Msg("disconnected from relay")
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.ws.Messages():
			if msg != nil {
				a.OnMessage(msg)
			}
		}
	}
}

// OnMessage is called for each incoming message. Print tasks run in their own
// goroutine so a slow printer never blocks heartbeats or other tasks.
func (a *Agent) OnMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAck:
		// register/heartbeat confirmation, nothing to do

	case protocol.TypeTaskPrint:
		go a.handlePrintTask(msg)

	case protocol.TypeTaskConfig:
		a.handleConfigTask(msg)

	case protocol.TypeTaskPing:
		a.handlePingTask(msg)

	case protocol.TypePrint:
		go a.handleLegacyPrint(msg)

	default:
		a.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

// Devices returns a copy of the current device list.
func (a *Agent) Devices() []protocol.Device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]protocol.Device(nil), a.devices...)
}

// defaultDevice returns the device marked default, or the first one.
func (a *Agent) defaultDevice() *protocol.Device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.devices {
		if a.devices[i].IsDefault {
			d := a.devices[i]
			return &d
		}
	}
	if len(a.devices) > 0 {
		d := a.devices[0]
		return &d
	}
	return nil
}

// recordOutcome appends a history entry and bumps the success timestamp.
func (a *Agent) recordOutcome(taskType, connType, status, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, protocol.HistoryEntry{
		Type:           taskType,
		ConnectionType: connType,
		Status:         status,
		Message:        message,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
	if len(a.history) > historyCap {
		a.history = a.history[len(a.history)-historyCap:]
	}
	if status == "success" {
		a.lastSuccessAt = time.Now()
	}
}
