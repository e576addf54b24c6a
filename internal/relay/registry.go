package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/easyify/printer-hub/internal/protocol"
)

// Transport is the relay's handle to one live agent connection. Send is
// serialized per connection by the implementation; Open reports whether the
// underlying socket is still usable.
type Transport interface {
	Send(data []byte) error
	Close() error
	Open() bool
	RemoteAddr() string
}

// ShopConnection tracks the single live transport for one shop plus presence
// metadata. The record persists after disconnect; only the transport slot is
// cleared.
type ShopConnection struct {
	ShopID         string
	transport      Transport
	ConnectedAt    time.Time
	DisconnectedAt time.Time

	LastHeartbeatAt time.Time
	Version         string
	Platform        string
	Arch            string
	Hostname        string
	RemoteAddress   string
	Capabilities    []string

	Devices   []protocol.Device
	History   []protocol.HistoryEntry
	Telemetry *protocol.Telemetry

	LastTask  *TaskSummary
	LastError string
}

// TaskSummary is the denormalized outcome of the most recent task, kept on
// the shop record for quick status display.
type TaskSummary struct {
	TaskID      string    `json:"taskId"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Presence carries the metadata fields of a register or heartbeat message.
// Scalar fields are last-write-wins; Devices and History replace the stored
// snapshot wholesale when non-nil.
type Presence struct {
	Version      string
	Platform     string
	Arch         string
	Hostname     string
	Capabilities []string
	Devices      []protocol.Device
	History      []protocol.HistoryEntry
	Telemetry    *protocol.Telemetry
	Heartbeat    bool // bump LastHeartbeatAt
}

// Registry maps shop ids to their live connection and presence state. All
// mutation goes through its methods; the map is never exposed.
type Registry struct {
	log          zerolog.Logger
	historyLimit int

	mu    sync.RWMutex
	shops map[string]*ShopConnection
}

// NewRegistry creates an empty registry. historyLimit bounds the per-shop
// heartbeat history snapshot.
func NewRegistry(log zerolog.Logger, historyLimit int) *Registry {
	return &Registry{
		log:          log.With().Str("component", "registry").Logger(),
		historyLimit: historyLimit,
		shops:        make(map[string]*ShopConnection),
	}
}

// Get returns the record for shopID or nil. Pure lookup, no side effects;
// records are created by Bind and UpdatePresence.
func (r *Registry) Get(shopID string) *ShopConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shops[shopID]
}

// Transport returns the live transport for shopID, or nil when the shop is
// not connected.
func (r *Registry) Transport(shopID string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc := r.shops[shopID]
	if sc == nil || sc.transport == nil || !sc.transport.Open() {
		return nil
	}
	return sc.transport
}

// Bind installs t as the active transport for shopID, creating the record on
// first contact. A previous transport that is still present is forcibly
// closed so at most one live channel exists per shop.
func (r *Registry) Bind(shopID string, t Transport, remoteAddr string) {
	var stale Transport

	r.mu.Lock()
	sc := r.shops[shopID]
	if sc == nil {
		sc = &ShopConnection{ShopID: shopID}
		r.shops[shopID] = sc
	}
	if sc.transport != nil && sc.transport != t {
		stale = sc.transport
	}
	sc.transport = t
	sc.RemoteAddress = remoteAddr
	sc.ConnectedAt = time.Now()
	sc.DisconnectedAt = time.Time{}
	r.mu.Unlock()

	if stale != nil {
		r.log.Warn().Str("shop", shopID).Msg("superseding existing agent connection")
		_ = stale.Close()
	}
	r.log.Info().Str("shop", shopID).Str("remote", remoteAddr).Msg("agent connected")
}

// Unbind clears the transport slot, but only if t is still the bound
// transport. A close event from a superseded connection must not erase the
// newer connection's state.
func (r *Registry) Unbind(shopID string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := r.shops[shopID]
	if sc == nil || sc.transport != t {
		return
	}
	sc.transport = nil
	sc.DisconnectedAt = time.Now()
	r.log.Info().Str("shop", shopID).Msg("agent disconnected")
}

// UpdatePresence merges metadata into the shop record, creating it if needed.
func (r *Registry) UpdatePresence(shopID string, p Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := r.shops[shopID]
	if sc == nil {
		sc = &ShopConnection{ShopID: shopID}
		r.shops[shopID] = sc
	}

	if p.Version != "" {
		sc.Version = p.Version
	}
	if p.Platform != "" {
		sc.Platform = p.Platform
	}
	if p.Arch != "" {
		sc.Arch = p.Arch
	}
	if p.Hostname != "" {
		sc.Hostname = p.Hostname
	}
	if p.Capabilities != nil {
		sc.Capabilities = p.Capabilities
	}
	if p.Devices != nil {
		sc.Devices = p.Devices
	}
	if p.History != nil {
		history := p.History
		if len(history) > r.historyLimit {
			history = history[:r.historyLimit]
		}
		sc.History = history
	}
	if p.Telemetry != nil {
		sc.Telemetry = p.Telemetry
	}
	if p.Heartbeat {
		sc.LastHeartbeatAt = time.Now()
	}
}

// RecordTask stores the outcome summary of the most recent task and, on
// failure, the shop's last error.
func (r *Registry) RecordTask(shopID string, summary TaskSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := r.shops[shopID]
	if sc == nil {
		return
	}
	sc.LastTask = &summary
	if summary.Status == string(StatusError) || summary.Status == string(StatusTimeout) {
		sc.LastError = summary.Message
	}
}

// RecordError sets the shop's advisory last-error string.
func (r *Registry) RecordError(shopID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc := r.shops[shopID]; sc != nil {
		sc.LastError = msg
	}
}

// ShopSnapshot is a read-only copy of a shop's connection state.
type ShopSnapshot struct {
	ShopID          string                  `json:"shopId"`
	Connected       bool                    `json:"connected"`
	Stale           bool                    `json:"stale"`
	ConnectedAt     *time.Time              `json:"connectedAt,omitempty"`
	DisconnectedAt  *time.Time              `json:"disconnectedAt,omitempty"`
	LastHeartbeatAt *time.Time              `json:"lastHeartbeatAt,omitempty"`
	Version         string                  `json:"version,omitempty"`
	Platform        string                  `json:"platform,omitempty"`
	Arch            string                  `json:"arch,omitempty"`
	Hostname        string                  `json:"hostname,omitempty"`
	RemoteAddress   string                  `json:"remoteAddress,omitempty"`
	Capabilities    []string                `json:"capabilities,omitempty"`
	Devices         []protocol.Device       `json:"devices"`
	History         []protocol.HistoryEntry `json:"history,omitempty"`
	LastTask        *TaskSummary            `json:"lastTask,omitempty"`
	LastError       string                  `json:"lastError,omitempty"`
}

// Snapshot returns a copy of one shop's state, or nil if unknown.
func (r *Registry) Snapshot(shopID string, staleAfter time.Duration) *ShopSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc := r.shops[shopID]
	if sc == nil {
		return nil
	}
	snap := r.snapshotLocked(sc, staleAfter)
	return &snap
}

// List returns snapshots of every known shop. Connected state is computed
// from the transport, never cached.
func (r *Registry) List(staleAfter time.Duration) []ShopSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShopSnapshot, 0, len(r.shops))
	for _, sc := range r.shops {
		out = append(out, r.snapshotLocked(sc, staleAfter))
	}
	return out
}

// ConnectedCount returns the number of shops with a live transport.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sc := range r.shops {
		if sc.transport != nil && sc.transport.Open() {
			n++
		}
	}
	return n
}

func (r *Registry) snapshotLocked(sc *ShopConnection, staleAfter time.Duration) ShopSnapshot {
	connected := sc.transport != nil && sc.transport.Open()
	snap := ShopSnapshot{
		ShopID:        sc.ShopID,
		Connected:     connected,
		Version:       sc.Version,
		Platform:      sc.Platform,
		Arch:          sc.Arch,
		Hostname:      sc.Hostname,
		RemoteAddress: sc.RemoteAddress,
		Capabilities:  sc.Capabilities,
		Devices:       append([]protocol.Device(nil), sc.Devices...),
		History:       append([]protocol.HistoryEntry(nil), sc.History...),
		LastTask:      sc.LastTask,
		LastError:     sc.LastError,
	}
	if !sc.ConnectedAt.IsZero() {
		t := sc.ConnectedAt
		snap.ConnectedAt = &t
	}
	if !sc.DisconnectedAt.IsZero() {
		t := sc.DisconnectedAt
		snap.DisconnectedAt = &t
	}
	if !sc.LastHeartbeatAt.IsZero() {
		t := sc.LastHeartbeatAt
		snap.LastHeartbeatAt = &t
	}
	// Staleness is a UI hint layered on top of the hard connected state.
	if connected && staleAfter > 0 && !sc.LastHeartbeatAt.IsZero() {
		snap.Stale = time.Since(sc.LastHeartbeatAt) > staleAfter
	}
	return snap
}
