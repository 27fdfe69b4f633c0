package router

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/emberwake/relay/internal/app"
	"github.com/emberwake/relay/internal/handlers"
	"github.com/emberwake/relay/internal/middleware"
)

func New(a *app.App) http.Handler {
	cfg := a.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewRealIPMiddleware(cfg.TrustedProxies).Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	// Handlers
	streamHandler := handlers.NewStreamHandler(a.Registry, a.Commands, handlers.StreamConfig{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		WriteTimeout:      cfg.Session.WriteTimeout,
		OriginPatterns:    originPatterns(cfg.CORSAllowedOrigins, a.Logger),
	}, a.Logger)
	adminHandler := handlers.NewAdminHandler(a, a.Broker)

	// Routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", adminHandler.Health)

		// Transports: handshakes are rate limited per IP before the token
		// is checked.
		r.Group(func(r chi.Router) {
			r.Use(a.Handshakes.Middleware)
			r.Use(middleware.AuthMiddleware(a.Auth))
			r.Get("/ws", streamHandler.WebSocket)
			r.Get("/stream", streamHandler.Stream)
		})

		// Read-only operator view
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminKeyMiddleware(cfg.AdminKeyHash))
			r.Get("/stats", adminHandler.Stats)
		})
	})

	return r
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake matches against.
func originPatterns(origins []string, logger *slog.Logger) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			logger.Warn("ignoring malformed allowed origin", "origin", o)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
