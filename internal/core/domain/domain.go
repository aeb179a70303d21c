package domain

import "time"

// Identity is the authenticated principal behind one or more connections.
// It is created and owned by the external users service; this layer only
// reads it by id at connect time.
type Identity struct {
	ID          string
	Role        string
	DisplayName string
}

// Session captures what the handshake resolved for one accepted connection:
// the identity plus the team memberships snapshotted at connect time.
type Session struct {
	Identity    *Identity
	TeamIDs     []string
	ConnectedAt time.Time
}

const (
	userRoomPrefix = "user:"
	teamRoomPrefix = "team:"
)

// UserRoom returns the personal room key for an identity.
func UserRoom(identityID string) string { return userRoomPrefix + identityID }

// TeamRoom returns the room key for a team.
func TeamRoom(teamID string) string { return teamRoomPrefix + teamID }

// SessionRooms derives the room set a fresh connection joins: the identity
// room plus one room per team from the connect-time snapshot.
func SessionRooms(identityID string, teamIDs []string) []string {
	rooms := make([]string, 0, len(teamIDs)+1)
	rooms = append(rooms, UserRoom(identityID))
	for _, id := range teamIDs {
		rooms = append(rooms, TeamRoom(id))
	}
	return rooms
}
