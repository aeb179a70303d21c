package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"taskpulse/internal/core/contracts"
	"taskpulse/internal/core/domain"
)

var tracer = otel.Tracer("realtime-services")

// HandshakeValidator verifies the bearer credential presented with a
// connection request and resolves it to a live identity plus the team
// memberships snapshotted at connect time. It runs fully before the
// transport is accepted; rejection here leaves no registry state behind.
type HandshakeValidator struct {
	tokens  *TokenService
	members domain.MembershipStore
	revoked contracts.RevocationStore
	log     *slog.Logger
	now     func() time.Time
}

func NewHandshakeValidator(
	log *slog.Logger,
	tokens *TokenService,
	members domain.MembershipStore,
	revoked contracts.RevocationStore,
) *HandshakeValidator {
	return &HandshakeValidator{
		log:     log,
		tokens:  tokens,
		members: members,
		revoked: revoked,
		now:     time.Now,
	}
}

// ExtractCredential pulls the bearer credential from exactly one of three
// locations, in priority order: the explicit auth field, the token query
// parameter, or an Authorization: Bearer header.
func ExtractCredential(r *http.Request) (string, error) {
	if v := r.URL.Query().Get("auth"); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get("token"); v != "" {
		return v, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
			return parts[1], nil
		}
	}
	return "", domain.ErrNoCredential
}

// Validate authenticates one handshake request. Every failure mode (missing
// credential, bad signature, expiry, revocation, a subject that no longer
// resolves) comes back wrapping domain.ErrUnauthorized.
func (v *HandshakeValidator) Validate(ctx context.Context, r *http.Request) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "HandshakeValidator.Validate")
	defer span.End()

	credential, err := ExtractCredential(r)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	claims, err := v.tokens.ValidateToken(credential)
	if err != nil {
		span.RecordError(err)
		v.log.WarnContext(ctx, "handshake - validate - token rejected", "err", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, domain.ErrInvalidToken)
	}
	span.SetAttributes(attribute.String("user.id", claims.Subject))

	if claims.TokenID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			// Revocation store down: fail open, signature already checked.
			v.log.WarnContext(ctx, "handshake - validate - revocation check unavailable", "err", err)
		} else if revoked {
			v.log.WarnContext(ctx, "handshake - validate - revoked token presented", "user_id", claims.Subject)
			return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, domain.ErrTokenRevoked)
		}
	}

	// The single membership lookup this subsystem ever makes: resolve the
	// subject and compute the initial room memberships, once per connection.
	identity, err := v.members.GetIdentityByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			// A deleted identity is indistinguishable from a bad credential.
			v.log.WarnContext(ctx, "handshake - validate - subject no longer resolves", "user_id", claims.Subject)
			return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity lookup failed")
		return nil, err
	}
	teamIDs, err := v.members.ListTeamIDs(ctx, identity.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "membership lookup failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("team_count", len(teamIDs)),
		attribute.String("user.role", identity.Role),
	)
	span.SetStatus(codes.Ok, "authenticated")
	return &domain.Session{
		Identity:    identity,
		TeamIDs:     teamIDs,
		ConnectedAt: v.now(),
	}, nil
}
