package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/config"
)

// nopHandler signals connection events without doing any work.
type nopHandler struct {
	connected chan struct{}
}

func (h *nopHandler) OnConnected() {
	select {
	case h.connected <- struct{}{}:
	default:
	}
}

func (h *nopHandler) OnDisconnected() {}

func TestCloseDoesNotBlockConcurrentCalls(t *testing.T) {
	relay := newMockRelay(t)

	cfg := &config.Config{
		RelayURL:          relay.url(),
		ShopID:            "shop-1",
		HeartbeatInterval: time.Second,
		PrintTimeout:      time.Second,
	}
	h := &nopHandler{connected: make(chan struct{}, 1)}
	c := NewWebSocketClient(cfg, zerolog.Nop(), h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-h.connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	// Close waits out a grace period before tearing the connection down;
	// other calls must not stall behind it.
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	c.IsConnected()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("IsConnected blocked for %s during Close", elapsed)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}
}
