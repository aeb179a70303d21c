package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/core/domain"
)

type fakeMembershipStore struct {
	identities map[string]*domain.Identity
	teams      map[string][]string
	lookups    int
}

func (f *fakeMembershipStore) GetIdentityByID(_ context.Context, id string) (*domain.Identity, error) {
	f.lookups++
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
	err     error
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
	return f.revoked[tokenID], f.err
}

func newTestValidator(t *testing.T) (*HandshakeValidator, *TokenService, *fakeMembershipStore, *fakeRevocationStore) {
	t.Helper()
	tokens := NewTokenService(testSecret, "taskpulse", time.Hour)
	members := &fakeMembershipStore{
		identities: map[string]*domain.Identity{
			"u1": {ID: "u1", Role: "member", DisplayName: "User One"},
		},
		teams: map[string][]string{
			"u1": {"42", "99"},
		},
	}
	revoked := &fakeRevocationStore{}
	v := NewHandshakeValidator(slog.Default(), tokens, members, revoked)
	return v, tokens, members, revoked
}

func TestExtractCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  string
		header  string
		want    string
		wantErr bool
	}{
		{
			name:   "explicit auth field",
			target: "/ws?auth=AAA",
			want:   "AAA",
		},
		{
			name:   "token query parameter",
			target: "/ws?token=BBB",
			want:   "BBB",
		},
		{
			name:   "bearer header",
			target: "/ws",
			header: "Bearer CCC",
			want:   "CCC",
		},
		{
			name:   "auth field wins over the others",
			target: "/ws?auth=AAA&token=BBB",
			header: "Bearer CCC",
			want:   "AAA",
		},
		{
			name:    "nothing presented",
			target:  "/ws",
			wantErr: true,
		},
		{
			name:    "malformed header scheme",
			target:  "/ws",
			header:  "Basic dXNlcjpwYXNz",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractCredential(r)
			if tc.wantErr {
				require.ErrorIs(t, err, domain.ErrNoCredential)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateResolvesSession(t *testing.T) {
	t.Parallel()

	v, tokens, members, _ := newTestValidator(t)
	token, err := tokens.GenerateToken("u1")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws?auth="+token, nil)
	session, err := v.Validate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "u1", session.Identity.ID)
	assert.Equal(t, []string{"42", "99"}, session.TeamIDs)
	assert.Equal(t, 1, members.lookups, "membership resolved exactly once per connect")
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, v *HandshakeValidator, tokens *TokenService, revoked *fakeRevocationStore) string
	}{
		{
			name: "no credential",
			setup: func(t *testing.T, _ *HandshakeValidator, _ *TokenService, _ *fakeRevocationStore) string {
				return ""
			},
		},
		{
			name: "tampered token",
			setup: func(t *testing.T, _ *HandshakeValidator, tokens *TokenService, _ *fakeRevocationStore) string {
				token, err := tokens.GenerateToken("u1")
				require.NoError(t, err)
				return token + "x"
			},
		},
		{
			name: "revoked token",
			setup: func(t *testing.T, _ *HandshakeValidator, tokens *TokenService, revoked *fakeRevocationStore) string {
				token, err := tokens.GenerateToken("u1")
				require.NoError(t, err)
				claims, err := tokens.ValidateToken(token)
				require.NoError(t, err)
				require.NoError(t, revoked.Revoke(context.Background(), claims.TokenID, time.Hour))
				return token
			},
		},
		{
			name: "subject no longer resolves",
			setup: func(t *testing.T, _ *HandshakeValidator, tokens *TokenService, _ *fakeRevocationStore) string {
				token, err := tokens.GenerateToken("deleted-user")
				require.NoError(t, err)
				return token
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, tokens, _, revoked := newTestValidator(t)
			token := tc.setup(t, v, tokens, revoked)
			target := "/ws"
			if token != "" {
				target = "/ws?auth=" + token
			}
			r := httptest.NewRequest("GET", target, nil)
			_, err := v.Validate(context.Background(), r)
			require.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestValidateFailsOpenWhenRevocationStoreDown(t *testing.T) {
	t.Parallel()

	v, tokens, _, revoked := newTestValidator(t)
	revoked.err = errors.New("redis unavailable")

	token, err := tokens.GenerateToken("u1")
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/ws?auth="+token, nil)
	session, err := v.Validate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "u1", session.Identity.ID)
}
