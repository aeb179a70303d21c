package postgres

import (
	"context"
	"database/sql"
	"errors"

	"taskpulse/internal/core/domain"
)

// MembershipRepo is the one database touch this subsystem makes: resolving
// an identity and its team memberships during the handshake.
type MembershipRepo struct {
	db *sql.DB
}

func NewMembershipRepository(db *sql.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

func (r *MembershipRepo) GetIdentityByID(ctx context.Context, id string) (*domain.Identity, error) {
	if id == "" {
		return nil, domain.ErrIdentityNotFound
	}
	identity := &domain.Identity{ID: id}
	query := `SELECT role, display_name FROM users WHERE id = $1 AND deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&identity.Role, &identity.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIdentityNotFound
		}
		return nil, err
	}
	return identity, nil
}

func (r *MembershipRepo) ListTeamIDs(ctx context.Context, identityID string) ([]string, error) {
	query := `SELECT team_id FROM team_members WHERE user_id = $1`
	rows, err := r.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teamIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teamIDs = append(teamIDs, id)
	}
	return teamIDs, rows.Err()
}
