package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/app/registry"
	"taskpulse/internal/config"
	"taskpulse/internal/core/domain"
	"taskpulse/internal/core/services"
)

type fakeMembershipStore struct {
	identities map[string]*domain.Identity
	teams      map[string][]string
}

func (f *fakeMembershipStore) GetIdentityByID(_ context.Context, id string) (*domain.Identity, error) {
	identity, ok := f.identities[id]
	if !ok {
		return nil, domain.ErrIdentityNotFound
	}
	return identity, nil
}

func (f *fakeMembershipStore) ListTeamIDs(_ context.Context, identityID string) ([]string, error) {
	return f.teams[identityID], nil
}

type fakeRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (f *fakeRevocationStore) Revoke(_ context.Context, tokenID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = make(map[string]bool)
	}
	f.revoked[tokenID] = true
	return nil
}

func (f *fakeRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[tokenID], nil
}

type testEnv struct {
	server      *httptest.Server
	hub         *registry.Registry
	broadcaster *registry.Broadcaster
	tokens      *services.TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	members := &fakeMembershipStore{
		identities: map[string]*domain.Identity{
			"u1": {ID: "u1", Role: "member"},
			"u2": {ID: "u2", Role: "member"},
		},
		teams: map[string][]string{
			"u1": {"42"},
			"u2": {"42"},
		},
	}
	tokens := services.NewTokenService("integration-test-secret-value", "taskpulse", time.Hour)
	hub := registry.NewRegistry()
	broadcaster := registry.NewBroadcaster(log, hub)
	handshake := services.NewHandshakeValidator(log, tokens, members, &fakeRevocationStore{})
	presence := services.NewPresenceTracker(log, broadcaster)
	handler := NewWSHandler(hub, handshake, presence, config.RealtimeConfig{
		WriteTimeout: 5 * time.Second,
		ReadLimit:    64 * 1024,
		SendBuffer:   32,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, hub: hub, broadcaster: broadcaster, tokens: tokens}
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.tokens.GenerateToken(userID)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?auth=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads frames until one matches the wanted event name.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

func TestHandshakeRejectionClosesWithoutState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?auth=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.hub.Connections("u1"), "no partial registry state")
}

func TestConnectAckAndRoomScopedDelivery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")

	var ack domain.AuthenticatedEvent
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventAuthenticated), &ack))
	assert.Equal(t, "u1", ack.UserID)
	assert.Equal(t, []string{"42"}, ack.TeamIDs)

	// A second identity joining the shared team announces presence to c1.
	c2 := env.dial(t, "u2")
	awaitEvent(t, c2, domain.EventAuthenticated)
	var online domain.PresenceEvent
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventUserOnline), &online))
	assert.Equal(t, "u2", online.UserID)

	// An entity service commits a mutation and emits to the team room.
	env.broadcaster.EmitToRoom(context.Background(), domain.TeamRoom("42"), domain.EventTaskCreated,
		domain.TaskEvent{TaskID: "t1", TeamID: "42", UserID: "u1", Action: "created"})

	var got domain.TaskEvent
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventTaskCreated), &got))
	assert.Equal(t, "t1", got.TaskID)
	require.NoError(t, json.Unmarshal(awaitEvent(t, c2, domain.EventTaskCreated), &got))
	assert.Equal(t, "t1", got.TaskID)
}

func TestJoinTeamOutsideMembershipSoftFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")
	awaitEvent(t, c1, domain.EventAuthenticated)

	require.NoError(t, c1.WriteJSON(domain.Envelope{
		Event: domain.EventJoinTeam,
		Data:  json.RawMessage(`{"teamId":"777"}`),
	}))

	var reply domain.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventJoinTeam), &reply))
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Message)

	// Connection survives the refusal.
	require.NoError(t, c1.WriteJSON(domain.Envelope{
		Event: domain.EventJoinTeam,
		Data:  json.RawMessage(`{"teamId":"42"}`),
	}))
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventJoinTeam), &reply))
	assert.True(t, reply.Success)
}

func TestLeaveThenServerStateWins(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")
	awaitEvent(t, c1, domain.EventAuthenticated)

	// join then leave in order: the server's final state has the
	// connection out of the room.
	require.NoError(t, c1.WriteJSON(domain.Envelope{Event: domain.EventJoinTeam, Data: json.RawMessage(`{"teamId":"42"}`)}))
	require.NoError(t, c1.WriteJSON(domain.Envelope{Event: domain.EventLeaveTeam, Data: json.RawMessage(`{"teamId":"42"}`)}))
	awaitEvent(t, c1, domain.EventJoinTeam)
	awaitEvent(t, c1, domain.EventLeaveTeam)

	assert.Empty(t, env.hub.RoomMembers(domain.TeamRoom("42")))
}

func TestOfflineAnnouncedWhenLastConnectionCloses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")
	awaitEvent(t, c1, domain.EventAuthenticated)

	// u2 opens two tabs, then closes both; u1 sees one offline, at the end.
	c2a := env.dial(t, "u2")
	awaitEvent(t, c2a, domain.EventAuthenticated)
	awaitEvent(t, c1, domain.EventUserOnline)
	c2b := env.dial(t, "u2")
	awaitEvent(t, c2b, domain.EventAuthenticated)

	c2a.Close()
	c2b.Close()

	var offline domain.PresenceEvent
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventUserOffline), &offline))
	assert.Equal(t, "u2", offline.UserID)
}

func TestMembershipPushLandsOnAllTabs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")
	c2 := env.dial(t, "u1")
	awaitEvent(t, c1, domain.EventAuthenticated)
	awaitEvent(t, c2, domain.EventAuthenticated)

	// u1 is added to team 99 by the membership collaborator; both open
	// tabs must see team 99 traffic without reconnecting.
	env.hub.AddIdentityToRoom("u1", domain.TeamRoom("99"))
	env.broadcaster.EmitToRoom(context.Background(), domain.TeamRoom("99"), domain.EventTeamCreated,
		domain.TeamEvent{TeamID: "99", UserID: "u1", Action: "created"})

	var got domain.TeamEvent
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventTeamCreated), &got))
	assert.Equal(t, "99", got.TeamID)
	require.NoError(t, json.Unmarshal(awaitEvent(t, c2, domain.EventTeamCreated), &got))
	assert.Equal(t, "99", got.TeamID)
}

func TestAbruptDisconnectReleasesWritePump(t *testing.T) {
	// Not parallel: this test counts goroutines. Non-parallel tests run
	// alone, before the parallel ones start.
	env := newTestEnv(t)
	baseline := runtime.NumGoroutine()

	// Sever the TCP connection without a close frame, like a crashed tab.
	for i := 0; i < 10; i++ {
		c := env.dial(t, "u1")
		awaitEvent(t, c, domain.EventAuthenticated)
		require.NoError(t, c.UnderlyingConn().Close())
	}

	require.Eventually(t, func() bool {
		return len(env.hub.Connections("u1")) == 0
	}, 3*time.Second, 5*time.Millisecond, "all connections unregistered")
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 3*time.Second, 5*time.Millisecond, "write pumps exited after abrupt drops")
}

func TestUnknownEventGetsErrorReply(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	c1 := env.dial(t, "u1")
	awaitEvent(t, c1, domain.EventAuthenticated)

	require.NoError(t, c1.WriteJSON(domain.Envelope{Event: "task:created", Data: json.RawMessage(`{}`)}))

	var reply domain.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, c1, domain.EventError), &reply))
	assert.False(t, reply.Success)
}
