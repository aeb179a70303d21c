package contracts

import "context"

// Registry tracks which identity owns which open connections and which
// rooms each connection has joined. One instance per process; all methods
// are safe for concurrent use.
type Registry interface {
	// Register adds a connection and joins it to its initial room set.
	// Returns true when this is the identity's first open connection.
	Register(c Client, rooms []string) (first bool)
	// Unregister removes a connection. Returns the room set the connection
	// held at removal time and true when the identity now has zero open
	// connections.
	Unregister(c Client) (rooms []string, last bool)
	// Connections returns a snapshot of the identity's open connections.
	Connections(identityID string) []Client

	// JoinRoom joins one connection to a room; the identity must be
	// entitled to it (initial snapshot or a later membership push).
	JoinRoom(connectionID, room string) error
	// LeaveRoom removes one connection from a room.
	LeaveRoom(connectionID, room string)

	// AddIdentityToRoom grants a room to an identity and joins every
	// currently open connection it owns, so a membership change takes
	// effect on all tabs and devices without a reconnect.
	AddIdentityToRoom(identityID, room string)
	// RemoveIdentityFromRoom revokes the grant and leaves the room on
	// every open connection.
	RemoveIdentityFromRoom(identityID, room string)
}

// Client is the minimal surface the registry and broadcaster need from one
// open transport session.
type Client interface {
	ConnectionID() string
	IdentityID() string
	Send(ctx context.Context, data []byte) error
	Close()
}

// Broadcaster fans an event out to every open connection in a scope.
// Entity services call it after committing their write. Delivery is
// best-effort; a stale connection is skipped, never retried.
type Broadcaster interface {
	EmitToRoom(ctx context.Context, room, event string, payload any, exclude ...string)
	EmitToIdentity(ctx context.Context, identityID, event string, payload any, exclude ...string)
	EmitToAll(ctx context.Context, event string, payload any)
}
