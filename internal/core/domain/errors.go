package domain

import "errors"

var (
	ErrNoCredential     = errors.New("no credential presented")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenRevoked     = errors.New("token revoked")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrUnauthorized     = errors.New("unauthorized")

	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("bad payload")

	ErrConnectionClosed = errors.New("connection closed")
)
