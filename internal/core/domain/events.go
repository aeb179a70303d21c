package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// The closed set of event names exchanged over the channel. Anything outside
// this catalog is rejected at the connection boundary.
const (
	EventJoinTeam  = "join:team"
	EventLeaveTeam = "leave:team"

	EventTaskCreated       = "task:created"
	EventTaskUpdated       = "task:updated"
	EventTaskDeleted       = "task:deleted"
	EventTaskAssigned      = "task:assigned"
	EventTaskStatusChanged = "task:status_changed"

	EventTeamCreated           = "team:created"
	EventTeamUpdated           = "team:updated"
	EventTeamDeleted           = "team:deleted"
	EventTeamMemberAdded       = "team:member_added"
	EventTeamMemberRemoved     = "team:member_removed"
	EventTeamMemberRoleChanged = "team:member_role_changed"

	EventNotificationNew = "notification:new"

	EventUserOnline  = "user:online"
	EventUserOffline = "user:offline"

	// EventAuthenticated is the server→client ack sent once after a
	// successful handshake.
	EventAuthenticated = "authenticated"

	// EventError carries the soft-failure reply for a frame the catalog
	// rejects. The connection stays open.
	EventError = "error"
)

// Envelope is the wire frame: event name plus raw payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent frames a payload for the wire.
func EncodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// TaskEvent is the payload for all task:* events.
type TaskEvent struct {
	TaskID     string          `json:"taskId"`
	Task       json.RawMessage `json:"task,omitempty"`
	TeamID     string          `json:"teamId"`
	UserID     string          `json:"userId"`
	Action     string          `json:"action"`
	Changes    json.RawMessage `json:"changes,omitempty"`
	OldStatus  string          `json:"oldStatus,omitempty"`
	NewStatus  string          `json:"newStatus,omitempty"`
	AssigneeID string          `json:"assigneeId,omitempty"`
}

// TeamEvent is the payload for all team:* events.
type TeamEvent struct {
	TeamID     string          `json:"teamId"`
	Team       json.RawMessage `json:"team,omitempty"`
	UserID     string          `json:"userId"`
	Action     string          `json:"action"`
	MemberID   string          `json:"memberId,omitempty"`
	MemberRole string          `json:"memberRole,omitempty"`
}

// NotificationEvent is the payload for notification:new.
type NotificationEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PresenceEvent is the payload for user:online / user:offline.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// AuthenticatedEvent acknowledges a completed handshake and tells the client
// which team rooms it was joined to.
type AuthenticatedEvent struct {
	UserID  string   `json:"userId"`
	TeamIDs []string `json:"teamIds"`
}

// Ack is the reply payload for client-initiated requests.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientMessage is the closed union of messages a client may send. Payloads
// are validated here, at the boundary, never trusted downstream.
type ClientMessage interface {
	clientMessage()
}

// JoinTeamRequest asks to join one team room on the sending connection.
type JoinTeamRequest struct {
	TeamID string `json:"teamId"`
}

// LeaveTeamRequest asks to leave one team room on the sending connection.
type LeaveTeamRequest struct {
	TeamID string `json:"teamId"`
}

func (JoinTeamRequest) clientMessage()  {}
func (LeaveTeamRequest) clientMessage() {}

// DecodeClientMessage parses and validates one inbound frame. Unknown event
// names and malformed payloads fail with ErrUnknownEvent / ErrBadPayload.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch env.Event {
	case EventJoinTeam:
		var req JoinTeamRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if req.TeamID == "" {
			return nil, fmt.Errorf("%w: join:team requires teamId", ErrBadPayload)
		}
		return req, nil
	case EventLeaveTeam:
		var req LeaveTeamRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if req.TeamID == "" {
			return nil, fmt.Errorf("%w: leave:team requires teamId", ErrBadPayload)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
