package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpulse/internal/app/registry"
	"taskpulse/internal/app/server/ws"
	"taskpulse/internal/config"
	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/domain"
	"taskpulse/internal/core/services"
	"taskpulse/pkg/middleware"
)

type WSHandler struct {
	hub       *registry.Registry
	handshake *services.HandshakeValidator
	presence  *services.PresenceTracker
	cfg       config.RealtimeConfig
}

func NewWSHandler(
	hub *registry.Registry,
	handshake *services.HandshakeValidator,
	presence *services.PresenceTracker,
	cfg config.RealtimeConfig,
) *WSHandler {
	return &WSHandler{
		hub:       hub,
		handshake: handshake,
		presence:  presence,
		cfg:       cfg,
	}
}

func (s *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log, _ := r.Context().Value(middleware.LoggerKey).(*slog.Logger)
	if log == nil {
		log = slog.Default()
	}
	span := trace.SpanFromContext(r.Context())

	// The handshake resolves fully before the upgrade. A rejection here
	// closes with a plain 401 and leaves no registry state behind.
	session, err := s.handshake.Validate(r.Context(), r)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			log.WarnContext(r.Context(), "ws handler - handshake rejected", "err", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		log.ErrorContext(r.Context(), "ws handler - handshake failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	identity := session.Identity
	span.SetAttributes(attribute.String("user.id", identity.ID))

	sessionCtx := context.WithoutCancel(r.Context())
	ctx, cancel := context.WithCancel(sessionCtx)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true // tighten later
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(r.Context(), "ws handler - upgrade - ws upgrade failed", "err", err)
		cancel()
		return
	}
	defer conn.Close()
	// The close handler only fires on a proper close frame. An abrupt drop
	// ends ReadLoop with a read error instead, so the write pump's context
	// must be cancelled on every exit path or the pump goroutine leaks.
	defer cancel()
	conn.SetCloseHandler(func(code int, text string) error {
		log.Info("ws handler - ws closed", "user_id", identity.ID)
		cancel()
		return nil
	})
	websock := ws.NewWebSocket(ctx, conn, s.cfg.WriteTimeout, s.cfg.ReadLimit)

	connID := uuid.NewString()
	client := ws.NewClient(ctx, websock, connID, identity.ID, s.cfg.SendBuffer)
	rooms := domain.SessionRooms(identity.ID, session.TeamIDs)

	first := s.hub.Register(client, rooms)
	defer func() {
		held, last := s.hub.Unregister(client)
		s.presence.ConnectionUnregistered(ctx, identity.ID, held, last)
	}()

	// Ack with the room scope the connection landed in.
	ack, err := domain.EncodeEvent(domain.EventAuthenticated, domain.AuthenticatedEvent{
		UserID:  identity.ID,
		TeamIDs: session.TeamIDs,
	})
	if err == nil {
		_ = client.Send(ctx, ack)
	}

	s.presence.ConnectionRegistered(ctx, identity.ID, rooms, first)
	span.SetAttributes(
		attribute.String("conn.id", connID),
		attribute.Int("conn.rooms", len(rooms)),
	)
	log.InfoContext(r.Context(), "ws handler - ws connection established", "user_id", identity.ID, "conn_id", connID)

	websock.ReadLoop(func(data []byte) {
		s.handleMessage(ctx, log, client, data)
	})
}

// handleMessage decodes one inbound frame against the closed catalog and
// applies it. Failures are soft: the requester gets a reply, the connection
// stays open.
func (s *WSHandler) handleMessage(ctx context.Context, log *slog.Logger, client contracts.Client, raw []byte) {
	msg, err := domain.DecodeClientMessage(raw)
	if err != nil {
		log.WarnContext(ctx, "ws handler - handle message - rejected frame", "conn_id", client.ConnectionID(), "err", err)
		s.reply(ctx, client, domain.EventError, domain.Ack{Success: false, Message: "unrecognized request"})
		return
	}
	switch req := msg.(type) {
	case domain.JoinTeamRequest:
		if err := s.hub.JoinRoom(client.ConnectionID(), domain.TeamRoom(req.TeamID)); err != nil {
			log.WarnContext(ctx, "ws handler - join team - denied", "conn_id", client.ConnectionID(), "team_id", req.TeamID, "err", err)
			s.reply(ctx, client, domain.EventJoinTeam, domain.Ack{Success: false, Message: "not a member of this team"})
			return
		}
		s.reply(ctx, client, domain.EventJoinTeam, domain.Ack{Success: true})
	case domain.LeaveTeamRequest:
		s.hub.LeaveRoom(client.ConnectionID(), domain.TeamRoom(req.TeamID))
		s.reply(ctx, client, domain.EventLeaveTeam, domain.Ack{Success: true})
	}
}

func (s *WSHandler) reply(ctx context.Context, client contracts.Client, event string, ack domain.Ack) {
	data, err := domain.EncodeEvent(event, ack)
	if err != nil {
		return
	}
	_ = client.Send(ctx, data)
}
