// Package statusapi serves the node's local health, status and metrics endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobnode/internal/coordinator"
)

const shutdownTimeout = 5 * time.Second

// StatsSource reports job loop counters.
type StatsSource interface {
	Stats() coordinator.StatsSnapshot
}

// Status is the /status response body.
type Status struct {
	NodeID    string                    `json:"node_id"`
	Wallet    string                    `json:"wallet_address"`
	SessionID string                    `json:"session_id"`
	Country   string                    `json:"country"`
	Hardware  string                    `json:"hardware"`
	StartedAt time.Time                 `json:"started_at"`
	Uptime    float64                   `json:"uptime_seconds"`
	DryRun    bool                      `json:"dry_run"`
	Jobs      coordinator.StatsSnapshot `json:"jobs"`
}

// Server exposes /healthz, /status and /metrics.
type Server struct {
	addr   string
	id     coordinator.Identity
	stats  StatsSource
	dryRun bool
	now    func() time.Time
	log    coordinator.Logger
	router chi.Router
}

// New builds a Server listening on addr.
func New(addr string, id coordinator.Identity, stats StatsSource, dryRun bool, log coordinator.Logger) *Server {
	s := &Server{
		addr:   addr,
		id:     id,
		stats:  stats,
		dryRun: dryRun,
		now:    time.Now,
		log:    coordinator.DefaultLogger(log),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("status server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		NodeID:    s.id.NodeID,
		Wallet:    s.id.Wallet,
		SessionID: s.id.SessionID,
		Country:   s.id.Country,
		Hardware:  s.id.Hardware,
		StartedAt: s.id.StartedAt,
		Uptime:    s.id.Uptime(s.now()).Seconds(),
		DryRun:    s.dryRun,
		Jobs:      s.stats.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
