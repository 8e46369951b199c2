// Package httpapi mounts the HTTP surface: the websocket endpoint, health
// probes, metrics and the session discovery endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/room"
)

type Deps struct {
	Rooms     *room.Manager
	Verifier  identity.Verifier
	WebSocket http.Handler
	Pingers   map[string]Pinger
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/readyz", Readyz(d.Pingers, logger))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if d.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", d.WebSocket)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", CreateSession(d.Rooms, d.Verifier))
		r.Get("/nearby", NearbySessions(d.Rooms))
		r.Get("/mine", UserSessions(d.Rooms, d.Verifier))
	})
	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
