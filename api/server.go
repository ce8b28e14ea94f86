package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/manager"
	"github.com/gregtusar/autotrader/pkg/models"
)

const (
	defaultDecisionLimit = 20
	maxDecisionLimit     = 500
)

// Backend is the read-only view of the manager the API serves.
type Backend interface {
	Health() manager.Health
	Status() []manager.TraderStatus
	Trader(id string) (manager.TraderStatus, error)
	Decisions(id string, limit int) ([]models.Decision, error)
	Statistics(id string) (journal.Statistics, error)
}

type Server struct {
	backend Backend
	logger  *logrus.Logger
	port    string
	hub     *Hub
	http    *http.Server
}

func NewServer(backend Backend, logger *logrus.Logger, port string, statusInterval time.Duration) *Server {
	return &Server{
		backend: backend,
		logger:  logger,
		port:    port,
		hub:     NewHub(backend, statusInterval, logger),
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// Method mismatches must answer 405; subrouters answer 404.
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/traders", s.handleTraders).Methods(http.MethodGet)
	router.HandleFunc("/api/traders/{id}", s.handleTrader).Methods(http.MethodGet)
	router.HandleFunc("/api/traders/{id}/decisions", s.handleDecisions).Methods(http.MethodGet)
	router.HandleFunc("/api/traders/{id}/statistics", s.handleStatistics).Methods(http.MethodGet)
	router.HandleFunc("/api/ws", s.hub.ServeWS).Methods(http.MethodGet)

	return corsMiddleware(router)
}

// Start serves the API and the status stream until ctx is done or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.hub.Run(ctx)

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	manager.Health
}

func healthStatus(h manager.Health) string {
	switch {
	case !h.Up:
		return "down"
	case !h.Fresh:
		return "stale"
	default:
		return "healthy"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.backend.Health()
	code := http.StatusOK
	if !h.Up {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, healthResponse{
		Status:    healthStatus(h),
		Timestamp: time.Now().UTC(),
		Health:    h,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"health":  s.backend.Health(),
		"traders": s.backend.Status(),
	})
}

func (s *Server) handleTraders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Trader(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}

	decisions, err := s.backend.Decisions(mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Statistics(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, manager.ErrTraderNotFound) {
		code = http.StatusNotFound
	} else {
		s.logger.WithError(err).Error("API request failed")
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
