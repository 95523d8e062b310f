package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// observe records per-request metrics keyed by the chi route pattern, so
// /nodes/n-1/heartbeat and /nodes/n-2/heartbeat share a series, and logs the
// request at V(1).
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(ww.Status())
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, code).Inc()
		s.metrics.HTTPSeconds.WithLabelValues(route).Observe(elapsed.Seconds())
		s.log.V(1).Info("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "elapsed", elapsed)
	})
}

// recoverer converts handler panics into opaque 500s instead of tearing down
// the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.log.Info("handler panic", "panic", p, "method", r.Method, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{errorDetail{
					Kind: "internal", Message: "internal error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
