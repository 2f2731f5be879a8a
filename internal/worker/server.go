package worker

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/pkg/metrics"
	"github.com/servaudit/servaudit/internal/pkg/utils"
)

// MetricsServer exposes Prometheus metrics and health probes while the
// service runs
type MetricsServer struct {
	srv    *http.Server
	db     *sql.DB
	logger *logger.Logger
}

// NewMetricsServer creates the serve-mode HTTP listener
func NewMetricsServer(addr string, db *sql.DB, log *logger.Logger) *MetricsServer {
	s := &MetricsServer{db: db, logger: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens until the context is cancelled, then drains open requests
// within the shutdown timeout
func (s *MetricsServer) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.With("addr", s.srv.Addr).Info("Metrics listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.ErrorWithErr(err, "Metrics listener shutdown failed")
		return err
	}
	s.logger.Info("Metrics listener stopped")
	return nil
}

// healthz handles the liveness probe
func (s *MetricsServer) healthz(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// readyz reports ready once the audit store answers
func (s *MetricsServer) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.ErrorWithErr(err, "Store ping failed")
		utils.WriteErrorMessage(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "audit store unavailable")
		return
	}

	utils.WriteSuccess(w, http.StatusOK, map[string]string{
		"status": "ready",
		"store":  "connected",
	})
}
