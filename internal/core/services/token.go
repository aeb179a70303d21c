package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is what a verified bearer token resolves to before the subject is
// checked against the membership collaborator.
type Claims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

type TokenService struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{
		secretKey: []byte(secret),
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}
}

// NewTokenServiceWithClock pins the clock for deterministic expiry tests.
func NewTokenServiceWithClock(secret, issuer string, ttl time.Duration, now func() time.Time) *TokenService {
	s := NewTokenService(secret, issuer, ttl)
	s.now = now
	return s
}

func (s *TokenService) GenerateToken(identityID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": identityID,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"iss": s.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateToken parses and verifies the JWT string, returning the resolved
// claims. Any failure collapses to a single invalid-token error; callers
// never learn which check failed.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("subject not found in token")
	}
	out := &Claims{Subject: sub}
	if jti, ok := claims["jti"].(string); ok {
		out.TokenID = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
