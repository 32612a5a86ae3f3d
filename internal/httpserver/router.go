// Package httpserver serves health, metrics and live run progress while a
// download is in flight.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"era5-downloader/internal/metrics"
	"era5-downloader/internal/middleware"
	"era5-downloader/pkg/logging/logging"
)

// StatusFunc returns the document served on /status.
type StatusFunc func() any

func NewRouter(baseLogger *zap.Logger, status StatusFunc) *chi.Mux {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		var doc any = struct{}{}
		if status != nil {
			doc = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logging.L(r.Context()).Warn("status encode failed", zap.Error(err))
		}
	})

	r.Handle("/metrics", metrics.Handler())
	return r
}

// NewServer wraps the router with the timeouts used in production.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
