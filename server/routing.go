package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/forage/logger"
)

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.HandleHealth)
	r.Get("/status", s.HandleStatus)
	r.Get("/version", s.HandleVersion)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// requestLogger logs each request through zap at debug level; scrapes and
// probes would drown anything louder.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("Request",
			"method", r.Method,
			"path", r.URL.Path,
			logger.FieldStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
