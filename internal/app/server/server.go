package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"taskpulse/internal/app/registry"
	"taskpulse/internal/app/server/handlers"
	"taskpulse/internal/config"
	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/services"
	"taskpulse/pkg/middleware"
)

type Server struct {
	mux         *http.ServeMux
	addr        string
	wsHandler   *handlers.WSHandler
	authHandler *handlers.AuthHandler
	devTokens   bool
	log         *slog.Logger
}

func NewServer(
	log *slog.Logger,
	cfg *config.Config,
	hub *registry.Registry,
	handshake *services.HandshakeValidator,
	presence *services.PresenceTracker,
	tokenSvc *services.TokenService,
	revoked contracts.RevocationStore,
) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		addr:        cfg.Service.Addr,
		wsHandler:   handlers.NewWSHandler(hub, handshake, presence, *cfg.Realtime),
		authHandler: handlers.NewAuthHandler(tokenSvc, revoked),
		devTokens:   cfg.Auth.DevTokens,
		log:         log,
	}
	s.routes(cfg.Service.Name)
	return s
}

func (s *Server) routes(app string) {
	logged := middleware.RequestLogger(s.log)
	traced := middleware.TracerMiddleware(app)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// The handshake validator authenticates the upgrade itself, so the ws
	// route carries no auth middleware.
	s.mux.Handle("/ws", logged(traced(http.HandlerFunc(s.wsHandler.Handler))))

	s.mux.Handle("POST /auth/revoke", logged(http.HandlerFunc(s.authHandler.RevokeToken)))
	if s.devTokens {
		s.mux.Handle("POST /auth/token", logged(http.HandlerFunc(s.authHandler.IssueToken)))
	}
}

// Start serves until the listener fails or ctx is cancelled, then drains
// in-flight requests. Upgraded ws connections are hijacked and close through
// their own read loops, not through Shutdown.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived ws sessions.
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.log.Info("server starting", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
