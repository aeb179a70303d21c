package services

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/domain"
)

// PresenceTracker derives online/offline transitions from registry
// occupancy. It holds no state of its own: whether an identity is online is
// always recomputed from how many connections the registry still tracks.
type PresenceTracker struct {
	broadcaster contracts.Broadcaster
	log         *slog.Logger
	now         func() time.Time
}

func NewPresenceTracker(log *slog.Logger, broadcaster contracts.Broadcaster) *PresenceTracker {
	return &PresenceTracker{
		log:         log,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// ConnectionRegistered announces the identity online to every room the new
// connection joined, but only when it is the identity's first open
// connection. A second tab or device is not a presence transition.
func (t *PresenceTracker) ConnectionRegistered(ctx context.Context, identityID string, rooms []string, first bool) {
	if !first {
		return
	}
	ctx, span := tracer.Start(ctx, "PresenceTracker.ConnectionRegistered", trace.WithAttributes(
		attribute.String("user_id", identityID),
		attribute.Int("room_count", len(rooms)),
	))
	defer span.End()
	payload := domain.PresenceEvent{UserID: identityID, At: t.now()}
	for _, room := range rooms {
		t.broadcaster.EmitToRoom(ctx, room, domain.EventUserOnline, payload)
	}
	t.log.InfoContext(ctx, "presence - connection registered - online announced", "user_id", identityID, "rooms", len(rooms))
}

// ConnectionUnregistered announces the identity offline when its last
// connection closed. The room set is the one the connection held before
// removal, captured by the registry, since teardown may already have left
// rooms by the time this runs.
func (t *PresenceTracker) ConnectionUnregistered(ctx context.Context, identityID string, heldRooms []string, last bool) {
	if !last {
		return
	}
	ctx, span := tracer.Start(ctx, "PresenceTracker.ConnectionUnregistered", trace.WithAttributes(
		attribute.String("user_id", identityID),
		attribute.Int("room_count", len(heldRooms)),
	))
	defer span.End()
	payload := domain.PresenceEvent{UserID: identityID, At: t.now()}
	for _, room := range heldRooms {
		t.broadcaster.EmitToRoom(ctx, room, domain.EventUserOffline, payload)
	}
	t.log.InfoContext(ctx, "presence - connection unregistered - offline announced", "user_id", identityID, "rooms", len(heldRooms))
}
