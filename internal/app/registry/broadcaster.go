package registry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/domain"
)

var tracer = otel.Tracer("room-broadcaster")

// Broadcaster fans events out to registry scopes. Delivery is
// fire-and-forget: a send that fails because the connection went stale is
// dropped, never retried, never surfaced to the triggering mutation.
type Broadcaster struct {
	hub *Registry
	log *slog.Logger
}

func NewBroadcaster(log *slog.Logger, hub *Registry) *Broadcaster {
	return &Broadcaster{log: log, hub: hub}
}

func (b *Broadcaster) EmitToRoom(ctx context.Context, room, event string, payload any, exclude ...string) {
	ctx, span := tracer.Start(ctx, "Broadcaster.EmitToRoom", trace.WithAttributes(
		attribute.String("room", room),
		attribute.String("event", event),
	))
	defer span.End()
	b.deliver(ctx, b.hub.RoomMembers(room), event, payload, exclude)
}

func (b *Broadcaster) EmitToIdentity(ctx context.Context, identityID, event string, payload any, exclude ...string) {
	ctx, span := tracer.Start(ctx, "Broadcaster.EmitToIdentity", trace.WithAttributes(
		attribute.String("user_id", identityID),
		attribute.String("event", event),
	))
	defer span.End()
	b.deliver(ctx, b.hub.RoomMembers(domain.UserRoom(identityID)), event, payload, exclude)
}

func (b *Broadcaster) EmitToAll(ctx context.Context, event string, payload any) {
	ctx, span := tracer.Start(ctx, "Broadcaster.EmitToAll", trace.WithAttributes(
		attribute.String("event", event),
	))
	defer span.End()
	b.deliver(ctx, b.hub.AllClients(), event, payload, nil)
}

// deliver marshals once and enqueues to every target's write pump in order.
// The exclude list skips a mutation's originator so it does not receive its
// own echo.
func (b *Broadcaster) deliver(ctx context.Context, targets []contracts.Client, event string, payload any, exclude []string) {
	data, err := domain.EncodeEvent(event, payload)
	if err != nil {
		b.log.ErrorContext(ctx, "broadcaster - deliver - encode failed", "event", event, "err", err)
		return
	}
	for _, c := range targets {
		if excluded(c.ConnectionID(), exclude) {
			continue
		}
		if err := c.Send(ctx, data); err != nil {
			// Stale connection. Its read loop is about to unregister it.
			b.log.DebugContext(ctx, "broadcaster - deliver - skipped stale connection", "conn_id", c.ConnectionID(), "event", event)
		}
	}
}

func excluded(connID string, exclude []string) bool {
	for _, id := range exclude {
		if id == connID {
			return true
		}
	}
	return false
}
