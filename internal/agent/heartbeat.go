package agent

import (
	"runtime"
	"time"

	"github.com/easyify/printer-hub/internal/protocol"
)

// heartbeatLoop sends periodic heartbeats. Heartbeats keep going while print
// jobs run so the relay's staleness view stays accurate.
func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.ws.IsConnected() {
				a.sendHeartbeat()
			}
		}
	}
}

// sendHeartbeat sends a single heartbeat message with the full device and
// history snapshot.
func (a *Agent) sendHeartbeat() {
	a.mu.RLock()
	devices := append([]protocol.Device(nil), a.devices...)
	history := append([]protocol.HistoryEntry(nil), a.history...)
	lastSuccess := a.lastSuccessAt
	a.mu.RUnlock()

	if devices == nil {
		devices = []protocol.Device{}
	}

	telemetry := &protocol.Telemetry{Enabled: true}
	if !lastSuccess.IsZero() {
		telemetry.LastSuccessAt = lastSuccess.UTC().Format(time.RFC3339)
	}

	payload := protocol.HeartbeatPayload{
		ShopID:    a.cfg.ShopID,
		Version:   Version,
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  a.cfg.Hostname,
		Uptime:    time.Since(a.startedAt).Seconds(),
		Devices:   devices,
		History:   history,
		Telemetry: telemetry,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := a.ws.SendMessage(protocol.TypeHeartbeat, "", payload); err != nil {
		a.log.Debug().Err(err).Msg("failed to send heartbeat")
		return
	}

	a.log.Debug().Int("devices", len(devices)).Msg("heartbeat sent")
}
