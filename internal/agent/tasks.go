package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/easyify/printer-hub/internal/protocol"
)

// sendResult reports a task outcome back to the relay, correlated by the
// originating message id.
func (a *Agent) sendResult(taskID, status, message string, bytesSent int) {
	err := a.ws.SendMessage(protocol.TypeTaskResult, taskID, protocol.TaskResultPayload{
		Status:    status,
		Message:   message,
		BytesSent: bytesSent,
	})
	if err != nil {
		a.log.Error().Err(err).Str("task", taskID).Msg("failed to send task result")
	}
}

// handlePrintTask pushes a print job to the addressed printer and reports the
// outcome.
func (a *Agent) handlePrintTask(msg *protocol.Message) {
	var payload protocol.PrintTaskPayload
	if err := msg.ParsePayload(&payload); err != nil {
		a.log.Error().Err(err).Str("task", msg.ID).Msg("failed to parse print task")
		a.sendResult(msg.ID, "error", "invalid print payload", 0)
		return
	}

	printer := payload.Printer
	if printer == nil || printer.IP == "" {
		printer = a.defaultDevice()
	}
	if printer == nil || printer.IP == "" {
		a.recordOutcome("print", "", "error", "no printer configured")
		a.sendResult(msg.ID, "error", "no printer configured", 0)
		return
	}
	port := printer.Port
	if port <= 0 {
		port = 9100
	}

	data, err := decodeJobData(payload.Data, payload.Encoding)
	if err != nil {
		a.recordOutcome("print", "tcp", "error", err.Error())
		a.sendResult(msg.ID, "error", err.Error(), 0)
		return
	}

	n, err := a.push(printer.IP, port, data)
	if err != nil {
		a.log.Warn().Err(err).Str("task", msg.ID).Str("printer", printer.IP).Msg("print failed")
		a.recordOutcome("print", "tcp", "error", err.Error())
		a.sendResult(msg.ID, "error", err.Error(), n)
		return
	}

	a.log.Info().Str("task", msg.ID).Str("printer", printer.IP).Int("bytes", n).Msg("print completed")
	a.recordOutcome("print", "tcp", "success", "")
	a.sendResult(msg.ID, "success", "", n)
}

// handleConfigTask replaces the configured printer list.
func (a *Agent) handleConfigTask(msg *protocol.Message) {
	var payload struct {
		Printers []protocol.Device `json:"printers"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		a.sendResult(msg.ID, "error", "invalid config payload", 0)
		return
	}
	if payload.Printers == nil {
		a.sendResult(msg.ID, "error", "config payload missing printers", 0)
		return
	}

	a.mu.Lock()
	a.devices = payload.Printers
	a.mu.Unlock()

	a.log.Info().Int("printers", len(payload.Printers)).Msg("printer configuration updated")
	a.sendResult(msg.ID, "success", fmt.Sprintf("%d printers configured", len(payload.Printers)), 0)

	// Push the new snapshot immediately instead of waiting a full interval
	a.sendHeartbeat()
}

// handlePingTask answers a connectivity probe.
func (a *Agent) handlePingTask(msg *protocol.Message) {
	a.sendResult(msg.ID, "success", "pong", 0)
}

// handleLegacyPrint serves the flat legacy print shape: target address is in
// the message itself, the reply is a flat print_result keyed by taskId.
func (a *Agent) handleLegacyPrint(msg *protocol.Message) {
	var job protocol.LegacyPrintMessage
	if err := msg.ParsePayload(&job); err != nil || job.TaskID == "" {
		a.log.Error().Msg("malformed legacy print message")
		return
	}

	reply := func(success bool, bytesSent int, errMsg string) {
		res := protocol.LegacyPrintResult{
			Type:      protocol.TypePrintResult,
			TaskID:    job.TaskID,
			Success:   success,
			BytesSent: bytesSent,
			Error:     errMsg,
		}
		if err := a.ws.SendRaw(res); err != nil {
			a.log.Error().Err(err).Str("task", job.TaskID).Msg("failed to send print result")
		}
	}

	if job.PrinterIP == "" {
		reply(false, 0, "missing printer address")
		return
	}
	port := job.Port
	if port <= 0 {
		port = 9100
	}

	data, err := decodeJobData(job.Data, job.Encoding)
	if err != nil {
		a.recordOutcome("print", "tcp", "error", err.Error())
		reply(false, 0, err.Error())
		return
	}

	n, err := a.push(job.PrinterIP, port, data)
	if err != nil {
		a.log.Warn().Err(err).Str("task", job.TaskID).Str("printer", job.PrinterIP).Msg("legacy print failed")
		a.recordOutcome("print", "tcp", "error", err.Error())
		reply(false, n, err.Error())
		return
	}

	a.log.Info().Str("task", job.TaskID).Str("printer", job.PrinterIP).Int("bytes", n).Msg("legacy print completed")
	a.recordOutcome("print", "tcp", "success", "")
	reply(true, n, "")
}

// push writes job bytes to host:port within the configured print timeout.
func (a *Agent) push(host string, port int, data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.PrintTimeout)
	defer cancel()

	n, err := pushToPrinter(ctx, host, port, data, a.cfg.PrintTimeout)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return n, fmt.Errorf("print timed out after %s", a.cfg.PrintTimeout)
	}
	return n, err
}
