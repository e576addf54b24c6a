package agent

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/config"
	"github.com/easyify/printer-hub/internal/protocol"
)

// mockRelay is a stand-in relay server for agent tests: it accepts one agent
// connection and exposes the messages it receives.
type mockRelay struct {
	t        *testing.T
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	shopID   string
	inbound  chan json.RawMessage
	accepted chan struct{}
}

func newMockRelay(t *testing.T) *mockRelay {
	m := &mockRelay{
		t:        t,
		inbound:  make(chan json.RawMessage, 32),
		accepted: make(chan struct{}),
	}
	m.ts = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.ts.Close)
	return m
}

func (m *mockRelay) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	first := m.conn == nil
	m.conn = conn
	m.shopID = r.Header.Get("X-Shop-Id")
	m.mu.Unlock()
	if first {
		close(m.accepted)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.inbound <- data
	}
}

func (m *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(m.ts.URL, "http") + "/print-agent"
}

func (m *mockRelay) send(v any) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.t.Fatal("no agent connection")
	}
	if err := conn.WriteJSON(v); err != nil {
		m.t.Fatalf("mock relay send: %v", err)
	}
}

// waitFor returns the next inbound message of the given type, skipping
// heartbeats and other traffic.
func (m *mockRelay) waitFor(msgType string) json.RawMessage {
	m.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-m.inbound:
			var probe struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &probe) == nil && probe.Type == msgType {
				return data
			}
		case <-deadline:
			m.t.Fatalf("timed out waiting for %s message", msgType)
			return nil
		}
	}
}

func startAgent(t *testing.T, relayURL string, printers []protocol.Device) *Agent {
	t.Helper()

	cfg := &config.Config{
		RelayURL:          relayURL,
		ShopID:            "shop-1",
		HeartbeatInterval: time.Second,
		PrintTimeout:      2 * time.Second,
		Hostname:          "test-host",
		Printers:          printers,
	}

	a := New(cfg, zerolog.Nop())
	go func() { _ = a.Run() }()
	t.Cleanup(a.Shutdown)
	return a
}

func TestAgentRegisters(t *testing.T) {
	relay := newMockRelay(t)
	startAgent(t, relay.url(), nil)

	select {
	case <-relay.accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("agent never connected")
	}

	if relay.shopID != "shop-1" {
		t.Errorf("expected X-Shop-Id header, got %q", relay.shopID)
	}

	data := relay.waitFor(protocol.TypeRegister)
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	var payload protocol.RegisterPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("parse register payload: %v", err)
	}
	if payload.ShopID != "shop-1" || payload.Version != Version {
		t.Errorf("register payload wrong: %+v", payload)
	}
	if len(payload.Capabilities) == 0 {
		t.Error("expected capabilities in register")
	}

	// First heartbeat follows registration immediately
	relay.waitFor(protocol.TypeHeartbeat)
}

func TestAgentPrintTask(t *testing.T) {
	relay := newMockRelay(t)
	host, port, received := fakePrinter(t)

	startAgent(t, relay.url(), nil)
	relay.waitFor(protocol.TypeRegister)

	jobBytes := []byte{0x1b, 0x40, 'j', 'o', 'b'}
	task, _ := protocol.NewMessage(protocol.TypeTaskPrint, "task-123", protocol.PrintTaskPayload{
		Printer:  &protocol.Device{ConnectionType: "tcp", IP: host, Port: port},
		Data:     base64.StdEncoding.EncodeToString(jobBytes),
		Encoding: "base64",
	})
	relay.send(task)

	data := relay.waitFor(protocol.TypeTaskResult)
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if msg.ID != "task-123" {
		t.Errorf("result must echo the task id, got %q", msg.ID)
	}
	var result protocol.TaskResultPayload
	if err := msg.ParsePayload(&result); err != nil {
		t.Fatalf("parse result payload: %v", err)
	}
	if result.Status != "success" {
		t.Errorf("expected success, got %s (%s)", result.Status, result.Message)
	}
	if result.BytesSent != len(jobBytes) {
		t.Errorf("expected %d bytes, got %d", len(jobBytes), result.BytesSent)
	}

	select {
	case got := <-received:
		if string(got) != string(jobBytes) {
			t.Error("printer received corrupted job")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("printer never received the job")
	}
}

func TestAgentPrintTaskNoPrinter(t *testing.T) {
	relay := newMockRelay(t)
	startAgent(t, relay.url(), nil)
	relay.waitFor(protocol.TypeRegister)

	task, _ := protocol.NewMessage(protocol.TypeTaskPrint, "task-1", protocol.PrintTaskPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	relay.send(task)

	data := relay.waitFor(protocol.TypeTaskResult)
	var msg protocol.Message
	_ = json.Unmarshal(data, &msg)
	var result protocol.TaskResultPayload
	if err := msg.ParsePayload(&result); err != nil {
		t.Fatalf("parse result payload: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("expected error without configured printer, got %s", result.Status)
	}
}

func TestAgentLegacyPrint(t *testing.T) {
	relay := newMockRelay(t)
	host, port, received := fakePrinter(t)

	startAgent(t, relay.url(), nil)
	relay.waitFor(protocol.TypeRegister)

	jobBytes := []byte("legacy ticket")
	relay.send(protocol.LegacyPrintMessage{
		Type:      protocol.TypePrint,
		TaskID:    "legacy-1",
		PrinterIP: host,
		Port:      port,
		Data:      base64.StdEncoding.EncodeToString(jobBytes),
		Encoding:  "base64",
	})

	data := relay.waitFor(protocol.TypePrintResult)
	var result protocol.LegacyPrintResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal print_result: %v", err)
	}
	if result.TaskID != "legacy-1" {
		t.Errorf("expected taskId correlation, got %q", result.TaskID)
	}
	if !result.Success {
		t.Errorf("expected success, got error %q", result.Error)
	}
	if result.BytesSent != len(jobBytes) {
		t.Errorf("expected %d bytes, got %d", len(jobBytes), result.BytesSent)
	}

	select {
	case got := <-received:
		if string(got) != string(jobBytes) {
			t.Error("printer received corrupted job")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("printer never received the job")
	}
}

func TestAgentPingTask(t *testing.T) {
	relay := newMockRelay(t)
	startAgent(t, relay.url(), nil)
	relay.waitFor(protocol.TypeRegister)

	task, _ := protocol.NewMessage(protocol.TypeTaskPing, "ping-1", nil)
	relay.send(task)

	data := relay.waitFor(protocol.TypeTaskResult)
	var msg protocol.Message
	_ = json.Unmarshal(data, &msg)
	var result protocol.TaskResultPayload
	if err := msg.ParsePayload(&result); err != nil {
		t.Fatalf("parse result payload: %v", err)
	}
	if result.Status != "success" || result.Message != "pong" {
		t.Errorf("expected pong, got %+v", result)
	}
}

func TestAgentConfigTask(t *testing.T) {
	relay := newMockRelay(t)
	a := startAgent(t, relay.url(), nil)
	relay.waitFor(protocol.TypeRegister)

	task, _ := protocol.NewMessage(protocol.TypeTaskConfig, "cfg-1", map[string]any{
		"printers": []protocol.Device{
			{ConnectionType: "tcp", IP: "192.168.1.50", Port: 9100, Alias: "kitchen"},
		},
	})
	relay.send(task)

	data := relay.waitFor(protocol.TypeTaskResult)
	var msg protocol.Message
	_ = json.Unmarshal(data, &msg)
	var result protocol.TaskResultPayload
	if err := msg.ParsePayload(&result); err != nil {
		t.Fatalf("parse result payload: %v", err)
	}
	if result.Status != "success" {
		t.Errorf("expected success, got %s", result.Status)
	}

	devices := a.Devices()
	if len(devices) != 1 || devices[0].Alias != "kitchen" {
		t.Errorf("expected device list replaced, got %+v", devices)
	}
}
