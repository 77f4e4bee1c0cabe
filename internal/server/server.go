// Package server exposes the backup engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rowjay/registry-backup/internal/app"
	"github.com/rowjay/registry-backup/internal/catalog"
	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/operation"
)

// Service is the command surface the HTTP handlers drive. app.Commands
// implements it.
type Service interface {
	CreateDatabaseBackup(ctx context.Context) app.Result
	CreateFilesBackup(ctx context.Context) app.Result
	CreateCompleteBackup(ctx context.Context) app.Result
	RestoreDatabase(ctx context.Context, filename string) app.Result
	RestoreFiles(ctx context.Context, filename string) app.Result
	GuidedRestore(ctx context.Context, dbFilename, filesFilename string, order app.Order) app.Result
	DeleteBackup(ctx context.Context, filename string) app.Result
	OperationStatus(ctx context.Context, id string) (operation.Operation, error)
	AvailableBackups(ctx context.Context) ([]catalog.Record, error)
	CompatibleBackupPairs(ctx context.Context) ([]catalog.Pair, error)
}

var _ Service = app.Commands{}

type Server struct {
	router   chi.Router
	svc      Service
	cfg      config.ServerConfig
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func New(svc Service, cfg config.ServerConfig, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:   chi.NewRouter(),
		svc:      svc,
		cfg:      cfg,
		gatherer: gatherer,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/backups", s.listBackups)
		r.Get("/backups/pairs", s.listPairs)
		r.Get("/operations/{id}", s.getOperation)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit())
			r.Post("/backups/database", s.createDatabaseBackup)
			r.Post("/backups/files", s.createFilesBackup)
			r.Post("/backups/complete", s.createCompleteBackup)
			r.Delete("/backups/{filename}", s.deleteBackup)
			r.Post("/restore/database", s.restoreDatabase)
			r.Post("/restore/files", s.restoreFiles)
			r.Post("/restore/guided", s.guidedRestore)
		})
	})
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(s.cfg.RateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}),
	)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
