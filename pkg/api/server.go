// Package api exposes the HTTP surface: pipeline creation, reconciled
// status snapshots, a server-sent status stream, subtitle content
// retrieval and dictionary lookups.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lexisub/lexisub/pkg/llm"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/metrics"
	"github.com/lexisub/lexisub/pkg/pipeline"
)

// Server is the HTTP front of the pipeline
type Server struct {
	svc         *pipeline.Services
	coordinator *pipeline.Coordinator
	health      *llm.HealthChecker
	router      *chi.Mux
	httpServer  *http.Server
}

// NewServer builds the router over the shared services
func NewServer(svc *pipeline.Services, coordinator *pipeline.Coordinator, health *llm.HealthChecker) *Server {
	s := &Server{
		svc:         svc,
		coordinator: coordinator,
		health:      health,
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/video/analyze", s.handleAnalyze)
		r.Get("/video/analyze/{id}", s.handleSnapshot)
		r.Get("/video/analyze/{id}/stream", s.handleStream)
		r.Get("/subtitle/{id}/content", s.handleContent)
		r.Post("/subtitle/dictionary/query", s.handleDictionary)
	})

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())
}

// Handler returns the assembled router, used directly by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains with a grace period
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// requestLogger emits one structured line per request and feeds the
// API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		log.WithComponent("api").Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}
