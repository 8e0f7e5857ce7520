package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSession = errors.New("invalid session token")
	ErrExpiredSession = errors.New("session token expired")
)

// SessionClaims is the payload of a session token issued at sign-in. The
// subject is the account id.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions verifies HS256 session tokens.
type Sessions struct {
	secret []byte
}

func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

// Issue signs a session token for userID. Used by the seeder and tests; the
// sign-in flow issues its own tokens with the same secret.
func (s *Sessions) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// UserID returns the account id carried by token.
func (s *Sessions) UserID(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSession
		}
		return "", ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}
