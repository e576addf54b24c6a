package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func timeoutContext(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

// taskHTTPStatus maps a terminal task to the gateway response code the POS
// backend expects.
func taskHTTPStatus(snap *TaskSnapshot) int {
	switch snap.Status {
	case StatusSuccess:
		return http.StatusOK
	case StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth reports basic liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handlePrintHealth is the legacy health endpoint: uptime plus the set of
// connected shops.
func (s *Server) handlePrintHealth(w http.ResponseWriter, r *http.Request) {
	shops := s.registry.List(s.cfg.HeartbeatStale)
	connected := make([]string, 0, len(shops))
	for _, sh := range shops {
		if sh.Connected {
			connected = append(connected, sh.ShopID)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
		"connectedShops": connected,
		"agentCount":     len(connected),
	})
}

type createTaskRequest struct {
	ShopID  string          `json:"shopId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleCreateTask dispatches a task and, unless ?wait=false, blocks until it
// resolves so the caller gets the outcome in one round trip.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ShopID == "" || req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "shopId and type are required")
		return
	}

	task, err := s.dispatcher.Dispatch(req.ShopID, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			resp := map[string]any{"error": err.Error()}
			if task != nil {
				resp["task"] = task
			}
			s.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"task":  task,
		})
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		s.writeJSON(w, http.StatusAccepted, task)
		return
	}

	s.awaitAndReply(w, r, task.ID)
}

// awaitAndReply blocks for the task's terminal state. The wait window is the
// task timeout plus slack so the ledger's own timeout fires first.
func (s *Server) awaitAndReply(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx, cancel := timeoutContext(r, s.cfg.TaskTimeout+5*time.Second)
	defer cancel()

	final, err := s.ledger.Await(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		// Client went away or the slack window expired; report what we have.
		if snap := s.ledger.Get(taskID); snap != nil {
			s.writeJSON(w, http.StatusGatewayTimeout, snap)
			return
		}
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for task")
		return
	}
	s.writeJSON(w, taskHTTPStatus(final), final)
}

// handleGetTask returns one task snapshot.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	snap := s.ledger.Get(taskID)
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleRecentTasks returns recent tasks, newest first.
func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": s.ledger.Recent(limit)})
}

// shopView joins a configured shop with its live connection state.
type shopView struct {
	Shop
	Connected       bool       `json:"connected"`
	Stale           bool       `json:"stale,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	AgentVersion    string     `json:"agentVersion,omitempty"`
	DeviceCount     int        `json:"deviceCount"`
	LastError       string     `json:"lastError,omitempty"`
}

// handleListShops returns configured shops joined with live agent state.
func (s *Server) handleListShops(w http.ResponseWriter, r *http.Request) {
	shops, err := s.store.ListShops()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list shops")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]shopView, 0, len(shops))
	for _, sh := range shops {
		v := shopView{Shop: sh}
		if live := s.registry.Snapshot(sh.ShopID, s.cfg.HeartbeatStale); live != nil {
			v.Connected = live.Connected
			v.Stale = live.Stale
			v.LastHeartbeatAt = live.LastHeartbeatAt
			v.AgentVersion = live.Version
			v.DeviceCount = len(live.Devices)
			v.LastError = live.LastError
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"shops": views})
}

// handleLiveShops returns the raw registry snapshot, including shops that
// connected without being configured.
func (s *Server) handleLiveShops(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"shops": s.registry.List(s.cfg.HeartbeatStale),
	})
}

// handleCompanyMap returns the manager-company routing map.
func (s *Server) handleCompanyMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.CompanyMap()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build company map")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleGetShop returns one configured shop.
func (s *Server) handleGetShop(w http.ResponseWriter, r *http.Request) {
	sh, err := s.store.GetShop(chi.URLParam(r, "shopID"))
	if errors.Is(err, ErrShopNotFound) {
		s.writeError(w, http.StatusNotFound, "shop not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, sh)
}

// handleCreateShop registers a new shop record.
func (s *Server) handleCreateShop(w http.ResponseWriter, r *http.Request) {
	var sh Shop
	if err := json.NewDecoder(r.Body).Decode(&sh); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sh.ShopID = strings.TrimSpace(sh.ShopID)
	if sh.ShopID == "" {
		s.writeError(w, http.StatusBadRequest, "shopId is required")
		return
	}

	if err := s.store.CreateShop(sh); err != nil {
		if errors.Is(err, ErrShopExists) {
			s.writeError(w, http.StatusConflict, "shop already exists")
			return
		}
		s.log.Error().Err(err).Str("shop", sh.ShopID).Msg("failed to create shop")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	for _, p := range sh.Printers {
		if err := s.store.UpsertPrinter(sh.ShopID, p); err != nil {
			s.log.Warn().Err(err).Str("shop", sh.ShopID).Str("ip", p.IP).Msg("failed to add printer")
		}
	}

	created, err := s.store.GetShop(sh.ShopID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleUpdateShop overwrites a shop's configuration.
func (s *Server) handleUpdateShop(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	var sh Shop
	if err := json.NewDecoder(r.Body).Decode(&sh); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sh.ShopID = shopID

	if err := s.store.UpdateShop(sh); err != nil {
		if errors.Is(err, ErrShopNotFound) {
			s.writeError(w, http.StatusNotFound, "shop not found")
			return
		}
		s.log.Error().Err(err).Str("shop", shopID).Msg("failed to update shop")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := s.store.GetShop(shopID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// handleDeleteShop removes a shop and its printers.
func (s *Server) handleDeleteShop(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")
	if err := s.store.DeleteShop(shopID); err != nil {
		if errors.Is(err, ErrShopNotFound) {
			s.writeError(w, http.StatusNotFound, "shop not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": shopID})
}

// handleUpsertPrinter adds or replaces a printer keyed by its ip.
func (s *Server) handleUpsertPrinter(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")

	var p Printer
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(p.IP) == "" {
		s.writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	if err := s.store.UpsertPrinter(shopID, p); err != nil {
		if errors.Is(err, ErrShopNotFound) {
			s.writeError(w, http.StatusNotFound, "shop not found")
			return
		}
		s.log.Error().Err(err).Str("shop", shopID).Msg("failed to upsert printer")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sh, err := s.store.GetShop(shopID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, sh)
}

// handleDeletePrinter removes one printer.
func (s *Server) handleDeletePrinter(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")
	ip := chi.URLParam(r, "ip")

	if err := s.store.DeletePrinter(shopID, ip); err != nil {
		if errors.Is(err, ErrPrinterNotFound) {
			s.writeError(w, http.StatusNotFound, "printer not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": ip})
}

// escposTestTicket builds a minimal test page: initialize, two lines of text,
// feed and cut.
func escposTestTicket(shopID, ip string, port int) []byte {
	var b []byte
	b = append(b, 0x1b, 0x40) // ESC @ initialize
	b = append(b, []byte("*** PRINTER TEST ***\n")...)
	b = append(b, []byte("shop: "+shopID+"\n")...)
	b = append(b, []byte("printer: "+ip+":"+strconv.Itoa(port)+"\n")...)
	b = append(b, []byte(time.Now().Format("2006-01-02 15:04:05")+"\n")...)
	b = append(b, 0x1b, 0x64, 0x04) // ESC d feed 4 lines
	b = append(b, 0x1d, 0x56, 0x00) // GS V full cut
	return b
}

// handleTestPrinter dispatches a test ticket to a configured printer and
// blocks for the outcome.
func (s *Server) handleTestPrinter(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopID")
	ip := chi.URLParam(r, "ip")

	sh, err := s.store.GetShop(shopID)
	if errors.Is(err, ErrShopNotFound) {
		s.writeError(w, http.StatusNotFound, "shop not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	port := 9100
	found := false
	for _, p := range sh.Printers {
		if p.IP == ip {
			port = p.Port
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "printer not found")
		return
	}

	task, err := s.dispatcher.DispatchLegacyPrint(shopID, ip, port, escposTestTicket(shopID, ip, port))
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.awaitAndReply(w, r, task.ID)
}

// handleLegacyPrint is the original raw-bytes print path: the body is pushed
// verbatim to host:port through the shop's agent.
func (s *Server) handleLegacyPrint(w http.ResponseWriter, r *http.Request) {
	shopID := strings.TrimSpace(r.Header.Get("X-Shop-Name"))
	if shopID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Shop-Name header")
		return
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		s.writeError(w, http.StatusBadRequest, "missing host parameter")
		return
	}
	port := 9100
	if v := r.URL.Query().Get("port"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			s.writeError(w, http.StatusBadRequest, "invalid port parameter")
			return
		}
		port = n
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPrintBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "print payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty print payload")
		return
	}

	task, err := s.dispatcher.DispatchLegacyPrint(shopID, host, port, body)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			s.writeError(w, http.StatusServiceUnavailable, "print agent not connected for shop "+shopID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.awaitAndReply(w, r, task.ID)
}
