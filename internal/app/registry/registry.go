package registry

import (
	"sync"

	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/domain"
)

// Registry is the process-wide connection table: identity → open
// connections, connection → joined rooms, room → member connections.
// One instance per process; every map lives behind the single mutex so a
// register/unregister is atomic relative to any broadcast in flight.
//
// Entitlements track which team rooms an identity may join: the connect-time
// snapshot plus later membership pushes. join:team requests are checked
// against them instead of re-querying the membership collaborator.
type Registry struct {
	mu sync.RWMutex
	// connection id → client
	conns map[string]contracts.Client
	// identity id → connection id → client
	identities map[string]map[string]contracts.Client
	// room key → connection id → client
	rooms map[string]map[string]contracts.Client
	// connection id → joined room keys
	joined map[string]map[string]struct{}
	// identity id → room keys the identity is entitled to
	entitlements map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:        make(map[string]contracts.Client),
		identities:   make(map[string]map[string]contracts.Client),
		rooms:        make(map[string]map[string]contracts.Client),
		joined:       make(map[string]map[string]struct{}),
		entitlements: make(map[string]map[string]struct{}),
	}
}

func (h *Registry) Register(c contracts.Client, rooms []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	identityID := c.IdentityID()
	connID := c.ConnectionID()
	first := len(h.identities[identityID]) == 0
	if h.identities[identityID] == nil {
		h.identities[identityID] = make(map[string]contracts.Client)
	}
	h.identities[identityID][connID] = c
	h.conns[connID] = c
	h.joined[connID] = make(map[string]struct{}, len(rooms))
	if h.entitlements[identityID] == nil {
		h.entitlements[identityID] = make(map[string]struct{}, len(rooms))
	}
	for _, room := range rooms {
		h.joinLocked(c, room)
		h.entitlements[identityID][room] = struct{}{}
	}
	return first
}

func (h *Registry) Unregister(c contracts.Client) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	identityID := c.IdentityID()
	connID := c.ConnectionID()
	// Capture the room set before teardown removes it.
	held := make([]string, 0, len(h.joined[connID]))
	for room := range h.joined[connID] {
		held = append(held, room)
	}
	for _, room := range held {
		h.leaveLocked(connID, room)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	delete(h.identities[identityID], connID)
	last := len(h.identities[identityID]) == 0
	if last {
		delete(h.identities, identityID)
		delete(h.entitlements, identityID)
	}
	return held, last
}

func (h *Registry) Connections(identityID string) []contracts.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contracts.Client, 0, len(h.identities[identityID]))
	for _, c := range h.identities[identityID] {
		out = append(out, c)
	}
	return out
}

// RoomMembers returns a snapshot of the clients currently joined to a room.
func (h *Registry) RoomMembers(room string) []contracts.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contracts.Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// AllClients returns a snapshot of every open connection.
func (h *Registry) AllClients() []contracts.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contracts.Client, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// JoinRoom joins one connection to a room the owning identity is entitled
// to. An unentitled room is a soft failure surfaced to the requesting
// connection only.
func (h *Registry) JoinRoom(connectionID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return domain.ErrConnectionClosed
	}
	if _, ok := h.entitlements[c.IdentityID()][room]; !ok {
		return domain.ErrUnauthorized
	}
	h.joinLocked(c, room)
	return nil
}

func (h *Registry) LeaveRoom(connectionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connectionID, room)
}

// AddIdentityToRoom grants the room and joins every currently open
// connection the identity owns, not a single cached one, so a membership
// change lands on all tabs and devices without a reconnect.
func (h *Registry) AddIdentityToRoom(identityID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.identities[identityID]) == 0 {
		// Nobody connected: a grant now would never be cleaned up, and the
		// next connect snapshots membership from the store anyway.
		return
	}
	if h.entitlements[identityID] == nil {
		h.entitlements[identityID] = make(map[string]struct{})
	}
	h.entitlements[identityID][room] = struct{}{}
	for _, c := range h.identities[identityID] {
		h.joinLocked(c, room)
	}
}

func (h *Registry) RemoveIdentityFromRoom(identityID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entitlements[identityID], room)
	for connID := range h.identities[identityID] {
		h.leaveLocked(connID, room)
	}
}

func (h *Registry) joinLocked(c contracts.Client, room string) {
	connID := c.ConnectionID()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]contracts.Client)
	}
	h.rooms[room][connID] = c
	if h.joined[connID] == nil {
		h.joined[connID] = make(map[string]struct{})
	}
	h.joined[connID][room] = struct{}{}
}

func (h *Registry) leaveLocked(connID, room string) {
	delete(h.rooms[room], connID)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(h.joined[connID], room)
}
