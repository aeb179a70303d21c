package domain

import "context"

// MembershipStore is the external membership collaborator. It is queried
// exactly once per connection, during the handshake; afterwards membership
// changes arrive only as explicit room push calls.
type MembershipStore interface {
	GetIdentityByID(ctx context.Context, id string) (*Identity, error)
	ListTeamIDs(ctx context.Context, identityID string) ([]string, error)
}
