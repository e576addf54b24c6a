package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/protocol"
)

func testDispatcher(audit bool) (*Dispatcher, *Registry, *Ledger) {
	cfg := &Config{
		TaskTimeout:      time.Minute,
		AuditFailedTasks: audit,
	}
	registry := NewRegistry(zerolog.Nop(), 50)
	ledger := NewLedger(zerolog.Nop(), 100)
	d := NewDispatcher(zerolog.Nop(), registry, ledger, nil, cfg)
	return d, registry, ledger
}

func TestDispatchToConnectedShop(t *testing.T) {
	d, registry, _ := testDispatcher(true)
	ft := &fakeTransport{}
	registry.Bind("shop-1", ft, "10.0.0.1:1")

	task, err := d.Dispatch("shop-1", TaskPrint, json.RawMessage(`{"data":"aGk="}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusSent {
		t.Errorf("expected sent, got %s", task.Status)
	}

	if len(ft.sent) != 1 {
		t.Fatalf("expected 1 wire message, got %d", len(ft.sent))
	}
	var msg protocol.Message
	if err := json.Unmarshal(ft.sent[0], &msg); err != nil {
		t.Fatalf("unmarshal wire message: %v", err)
	}
	if msg.Type != protocol.TypeTaskPrint {
		t.Errorf("expected task_print, got %s", msg.Type)
	}
	if msg.ID != task.ID {
		t.Error("wire message id must carry the task id")
	}
}

func TestDispatchNotConnected(t *testing.T) {
	d, _, ledger := testDispatcher(true)

	task, err := d.Dispatch("shop-1", TaskPrint, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if task == nil {
		t.Fatal("expected audit task with auditing enabled")
	}
	if task.Status != StatusError {
		t.Errorf("expected terminal error task, got %s", task.Status)
	}
	if ledger.Get(task.ID) == nil {
		t.Error("audit task missing from ledger")
	}
}

func TestDispatchNotConnectedNoAudit(t *testing.T) {
	d, _, ledger := testDispatcher(false)

	task, err := d.Dispatch("shop-1", TaskPrint, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if task != nil {
		t.Error("expected no task with auditing disabled")
	}
	if got := len(ledger.Recent(0)); got != 0 {
		t.Errorf("expected empty ledger, got %d tasks", got)
	}
}

func TestDispatchSendFailure(t *testing.T) {
	d, registry, _ := testDispatcher(true)
	ft := &fakeTransport{fail: true}
	registry.Bind("shop-1", ft, "10.0.0.1:1")

	task, err := d.Dispatch("shop-1", TaskPrint, nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if task.Status != StatusError {
		t.Errorf("expected terminal error, got %s", task.Status)
	}
}

func TestDispatchLegacyPrint(t *testing.T) {
	d, registry, _ := testDispatcher(true)
	ft := &fakeTransport{}
	registry.Bind("shop-1", ft, "10.0.0.1:1")

	body := []byte{0x1b, 0x40, 'h', 'i'}
	task, err := d.DispatchLegacyPrint("shop-1", "192.168.1.50", 9100, body)
	if err != nil {
		t.Fatalf("DispatchLegacyPrint: %v", err)
	}

	var msg protocol.LegacyPrintMessage
	if err := json.Unmarshal(ft.sent[0], &msg); err != nil {
		t.Fatalf("unmarshal wire message: %v", err)
	}
	if msg.Type != protocol.TypePrint {
		t.Errorf("expected print, got %s", msg.Type)
	}
	if msg.TaskID != task.ID {
		t.Error("legacy message must carry the task id as taskId")
	}
	if msg.PrinterIP != "192.168.1.50" || msg.Port != 9100 {
		t.Error("printer address lost")
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if string(decoded) != string(body) {
		t.Error("payload bytes corrupted in transit")
	}
}

func TestWireTypeMapping(t *testing.T) {
	cases := map[string]string{
		TaskPrint:     protocol.TypeTaskPrint,
		TaskPrintTest: protocol.TypeTaskPrint,
		TaskConfig:    protocol.TypeTaskConfig,
		TaskPing:      protocol.TypeTaskPing,
		"custom":      "custom",
	}
	for in, want := range cases {
		if got := wireType(in); got != want {
			t.Errorf("wireType(%q) = %q, want %q", in, got, want)
		}
	}
}
