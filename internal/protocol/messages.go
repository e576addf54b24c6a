// Package protocol defines the WebSocket message types shared between the
// shop agent and the relay server.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket messages. The optional ID carries
// the task correlation key on task messages and their results.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type, correlation id and payload.
func NewMessage(msgType, id string, payload any) (*Message, error) {
	m := &Message{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = data
	}
	return m, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → relay)
const (
	TypeRegister   = "register"
	TypeHeartbeat  = "heartbeat"
	TypeTaskResult = "task_result"
	TypeLogEvent   = "log_event"

	// Legacy peer-to-peer print protocol, predates the task envelope.
	// Correlates on a top-level taskId field instead of the envelope id.
	TypePrintResult = "print_result"
)

// Message types (relay → agent)
const (
	TypeAck        = "ack"
	TypeTaskPrint  = "task_print"
	TypeTaskConfig = "task_config"
	TypeTaskPing   = "task_ping"

	// Legacy outbound print shape for older agents.
	TypePrint = "print"
)

// RegisterPayload is sent by the agent right after connecting.
type RegisterPayload struct {
	ShopID       string   `json:"shopId"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	Arch         string   `json:"arch"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Device describes one printer the agent can reach. USB devices carry
// vendor/product ids, TCP printers an address.
type Device struct {
	ConnectionType string `json:"connectionType"` // "usb" or "tcp"
	VendorID       int    `json:"vendorId,omitempty"`
	ProductID      int    `json:"productId,omitempty"`
	IP             string `json:"ip,omitempty"`
	Port           int    `json:"port,omitempty"`
	Alias          string `json:"alias,omitempty"`
	Role           string `json:"role,omitempty"`
	IsDefault      bool   `json:"isDefault,omitempty"`
}

// HistoryEntry is one entry of the agent's recent print history.
type HistoryEntry struct {
	Type           string `json:"type"`
	ConnectionType string `json:"connectionType,omitempty"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Telemetry is advisory agent-side state reported with each heartbeat.
type Telemetry struct {
	LastSuccessAt string `json:"lastSuccessAt,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// HeartbeatPayload is sent periodically by the agent. The devices snapshot
// and history replace the relay's previous copy wholesale.
type HeartbeatPayload struct {
	ShopID    string         `json:"shopId"`
	Version   string         `json:"version,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Arch      string         `json:"arch,omitempty"`
	Hostname  string         `json:"hostname,omitempty"`
	Uptime    float64        `json:"uptime,omitempty"`
	Devices   []Device       `json:"devices"`
	History   []HistoryEntry `json:"history,omitempty"`
	Telemetry *Telemetry     `json:"telemetry,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// TaskResultPayload is sent by the agent when a task finishes.
type TaskResultPayload struct {
	Status    string `json:"status"` // "success" or "error"
	Message   string `json:"message,omitempty"`
	BytesSent int    `json:"bytesSent,omitempty"`
}

// LogEventPayload is an advisory log line forwarded by the agent.
type LogEventPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AckPayload confirms receipt of a register or heartbeat message.
type AckPayload struct {
	OK bool `json:"ok"`
}

// PrintTaskPayload is the body of a task_print message. Data is base64 when
// Encoding says so; the relay treats it as opaque bytes.
type PrintTaskPayload struct {
	Printer  *Device `json:"printer"`
	Data     string  `json:"data"`
	Encoding string  `json:"encoding,omitempty"`
}

// LegacyPrintMessage is the flat legacy print task. It is its own envelope:
// the correlation key is TaskID, not the envelope id.
type LegacyPrintMessage struct {
	Type      string `json:"type"` // always "print"
	TaskID    string `json:"taskId"`
	PrinterIP string `json:"printerIP"`
	Port      int    `json:"port"`
	Data      string `json:"data"`
	Encoding  string `json:"encoding"`
}

// LegacyPrintResult is the agent's reply to a legacy print task.
type LegacyPrintResult struct {
	Type      string `json:"type"` // always "print_result"
	TaskID    string `json:"taskId"`
	Success   bool   `json:"success"`
	BytesSent int    `json:"bytesSent,omitempty"`
	Error     string `json:"error,omitempty"`
}
