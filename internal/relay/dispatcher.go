package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/protocol"
)

// ErrNotConnected indicates the target shop has no live agent connection.
var ErrNotConnected = errors.New("shop not connected")

// ErrSendFailed indicates the transport write failed during dispatch.
var ErrSendFailed = errors.New("send to agent failed")

// Logical task types accepted by the gateway.
const (
	TaskPrint     = "print"
	TaskPrintTest = "print-test"
	TaskConfig    = "config"
	TaskPing      = "ping"
)

// wireType maps a logical task type to its wire message type. Unknown types
// pass through unchanged.
func wireType(taskType string) string {
	switch taskType {
	case TaskPrint, TaskPrintTest:
		return protocol.TypeTaskPrint
	case TaskConfig:
		return protocol.TypeTaskConfig
	case TaskPing:
		return protocol.TypeTaskPing
	default:
		return taskType
	}
}

// Dispatcher turns task requests into addressed wire messages. The eventual
// result arrives asynchronously through the correlator; callers observe it
// via Ledger.Await.
type Dispatcher struct {
	log      zerolog.Logger
	registry *Registry
	ledger   *Ledger
	metrics  *Metrics

	taskTimeout time.Duration
	auditFailed bool
}

// NewDispatcher creates a dispatcher over the given registry and ledger.
func NewDispatcher(log zerolog.Logger, registry *Registry, ledger *Ledger, metrics *Metrics, cfg *Config) *Dispatcher {
	return &Dispatcher{
		log:         log.With().Str("component", "dispatcher").Logger(),
		registry:    registry,
		ledger:      ledger,
		metrics:     metrics,
		taskTimeout: cfg.TaskTimeout,
		auditFailed: cfg.AuditFailedTasks,
	}
}

// Dispatch creates a task for shopID and transmits it on the live transport.
// On failure the returned task (if any) is already terminal; it is never left
// pending. The error reports why dispatch failed.
func (d *Dispatcher) Dispatch(shopID, taskType string, payload json.RawMessage) (*TaskSnapshot, error) {
	t := d.registry.Transport(shopID)
	if t == nil {
		if !d.auditFailed {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, shopID)
		}
		task := d.ledger.Create(shopID, taskType, payload)
		d.ledger.Complete(task.ID, StatusError, nil, ErrNotConnected.Error())
		return d.ledger.Get(task.ID), fmt.Errorf("%w: %s", ErrNotConnected, shopID)
	}

	task := d.ledger.Create(shopID, taskType, payload)

	msg, err := protocol.NewMessage(wireType(taskType), task.ID, payload)
	if err != nil {
		d.ledger.Complete(task.ID, StatusError, nil, err.Error())
		return d.ledger.Get(task.ID), err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		d.ledger.Complete(task.ID, StatusError, nil, err.Error())
		return d.ledger.Get(task.ID), err
	}

	return d.transmit(task.ID, shopID, t, data)
}

// DispatchLegacyPrint sends the flat legacy print message: raw bytes pushed
// to host:port through the shop's agent, correlated by taskId.
func (d *Dispatcher) DispatchLegacyPrint(shopID, host string, port int, body []byte) (*TaskSnapshot, error) {
	t := d.registry.Transport(shopID)
	if t == nil {
		if !d.auditFailed {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, shopID)
		}
		task := d.ledger.Create(shopID, TaskPrint, nil)
		d.ledger.Complete(task.ID, StatusError, nil, ErrNotConnected.Error())
		return d.ledger.Get(task.ID), fmt.Errorf("%w: %s", ErrNotConnected, shopID)
	}

	task := d.ledger.Create(shopID, TaskPrint, nil)

	data, err := json.Marshal(protocol.LegacyPrintMessage{
		Type:      protocol.TypePrint,
		TaskID:    task.ID,
		PrinterIP: host,
		Port:      port,
		Data:      base64.StdEncoding.EncodeToString(body),
		Encoding:  "base64",
	})
	if err != nil {
		d.ledger.Complete(task.ID, StatusError, nil, err.Error())
		return d.ledger.Get(task.ID), err
	}

	return d.transmit(task.ID, shopID, t, data)
}

func (d *Dispatcher) transmit(taskID, shopID string, t Transport, data []byte) (*TaskSnapshot, error) {
	if err := t.Send(data); err != nil {
		d.ledger.Complete(taskID, StatusError, nil, err.Error())
		d.log.Warn().Err(err).Str("shop", shopID).Str("task", taskID).Msg("transport send failed")
		return d.ledger.Get(taskID), fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := d.ledger.MarkSent(taskID, d.taskTimeout); err != nil {
		return d.ledger.Get(taskID), err
	}
	d.metrics.TaskDispatched()
	d.log.Debug().Str("shop", shopID).Str("task", taskID).Msg("task dispatched")
	return d.ledger.Get(taskID), nil
}
