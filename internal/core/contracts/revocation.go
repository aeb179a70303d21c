package contracts

import (
	"context"
	"time"
)

// RevocationStore holds revoked token ids until their natural expiry.
// Checked once per handshake, after signature verification.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
