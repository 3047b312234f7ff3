// Package server exposes the hub over HTTP: the device WebSocket endpoint,
// cached speech audio, and a health probe.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tiflis-io/tiflis-hub/internal/auth"
	"github.com/tiflis-io/tiflis-hub/internal/config"
	"github.com/tiflis-io/tiflis-hub/internal/device"
	"github.com/tiflis-io/tiflis-hub/internal/hub"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
	"github.com/tiflis-io/tiflis-hub/internal/speech"
)

// Hub is the slice of the coordination core the server drives. Connect and
// Disconnect bracket a device connection; Deliver feeds it decoded frames.
type Hub interface {
	Connect(deviceID string, t device.Transport)
	Disconnect(deviceID string, t device.Transport)
	Deliver(deviceID string, t device.Transport, msg protocol.ClientMessage)
	Stats() hub.Stats
}

// Deps are the collaborators the server fronts. Audio may be nil when no
// speech service is configured; /audio then answers 404.
type Deps struct {
	Hub      Hub
	Verifier auth.Verifier
	Audio    *speech.Cache
}

// Server is the HTTP and WebSocket front of the hub.
type Server struct {
	cfg        *config.Config
	hub        Hub
	verifier   auth.Verifier
	audio      *speech.Cache
	httpServer *http.Server
	started    time.Time

	authTimeout time.Duration
}

// New wires the routes and builds the HTTP server. It does not start
// listening; call Start for that.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		hub:         deps.Hub,
		verifier:    deps.Verifier,
		audio:       deps.Audio,
		started:     time.Now(),
		authTimeout: defaultAuthTimeout,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     corsMiddleware(mux, cfg.Origins),
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: cfg.HTTP.IdleTimeout,
		// NOTE: WriteTimeout is intentionally 0 (no timeout) because
		// WebSocket connections are long-lived and a server-wide write
		// timeout would kill them.
	}

	return s
}

// Handler returns the root handler, CORS included. Tests mount it on
// httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP listener down gracefully. Open WebSocket connections
// are hijacked and not tracked by the HTTP server; they die with their
// transports when the hub shuts down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// corsMiddleware adds CORS headers for allowed origins and answers
// preflight requests. It shares the origin allowlist with the WebSocket
// upgrader.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
