package relay

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is the relay: the WebSocket endpoint agents dial into plus the HTTP
// gateway the business backend calls.
type Server struct {
	cfg        *Config
	db         *sql.DB
	log        zerolog.Logger
	registry   *Registry
	ledger     *Ledger
	dispatcher *Dispatcher
	hub        *Hub
	store      *Store
	metrics    *Metrics
	router     *chi.Mux
	startedAt  time.Time
}

// New creates a relay server and wires its components together.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) *Server {
	registry := NewRegistry(log, cfg.HistoryLimit)
	ledger := NewLedger(log, cfg.RecentTaskLimit)
	metrics := NewMetrics()
	store := NewStore(db, log)

	s := &Server{
		cfg:        cfg,
		db:         db,
		log:        log.With().Str("component", "relay").Logger(),
		registry:   registry,
		ledger:     ledger,
		dispatcher: NewDispatcher(log, registry, ledger, metrics, cfg),
		hub:        NewHub(log, cfg, registry, ledger, metrics),
		store:      store,
		metrics:    metrics,
		startedAt:  time.Now(),
	}

	// Every terminal transition feeds metrics, the shop's last-task summary
	// and the audit log from one place, so duplicate results never count
	// twice.
	ledger.OnTerminal(s.onTaskTerminal)

	s.setupRouter()
	return s
}

func (s *Server) onTaskTerminal(snap TaskSnapshot) {
	switch snap.Status {
	case StatusSuccess:
		s.metrics.TaskCompleted(taskLatency(snap))
	case StatusTimeout:
		s.metrics.TaskTimedOut()
	default:
		s.metrics.TaskFailed()
	}

	summary := TaskSummary{
		TaskID: snap.ID,
		Type:   snap.Type,
		Status: string(snap.Status),
	}
	if snap.Error != "" {
		summary.Message = snap.Error
	}
	if snap.CompletedAt != nil {
		summary.CompletedAt = *snap.CompletedAt
	}
	s.registry.RecordTask(snap.ShopID, summary)

	s.store.AppendTaskLog(snap)
}

func taskLatency(snap TaskSnapshot) float64 {
	if snap.CompletedAt == nil {
		return 0
	}
	start := snap.CreatedAt
	if snap.SentAt != nil {
		start = *snap.SentAt
	}
	return snap.CompletedAt.Sub(start).Seconds()
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	// Agents dial out to this endpoint from inside the shop network.
	r.Get("/print-agent", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleRecentTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)

		r.Get("/shops", s.handleListShops)
		r.Get("/shops/live", s.handleLiveShops)
		r.Get("/shops/company-map", s.handleCompanyMap)
		r.Post("/shops", s.handleCreateShop)
		r.Route("/shops/{shopID}", func(r chi.Router) {
			r.Get("/", s.handleGetShop)
			r.Put("/", s.handleUpdateShop)
			r.Delete("/", s.handleDeleteShop)
			r.Post("/printers", s.handleUpsertPrinter)
			r.Delete("/printers/{ip}", s.handleDeletePrinter)
			r.Post("/printers/{ip}/test", s.handleTestPrinter)
		})

		// Legacy raw-bytes print path kept for the existing POS integration.
		r.Post("/print", s.handleLegacyPrint)
		r.Get("/print/health", s.handlePrintHealth)
	})

	s.router = r
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting relay server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
