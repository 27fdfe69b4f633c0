// Package services contains the handshake authentication for relay.
package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned for a valid token without a subject.
var ErrNoIdentity = errors.New("token has no identity")

const issuer = "relay"

// Claims represents the JWT payload presented at handshake.
// The registered subject is the identity id.
type Claims struct {
	jwt.RegisteredClaims
}

// IdentityID returns the identity the token was issued for.
func (c *Claims) IdentityID() string {
	return c.Subject
}

// AuthService handles JWT token generation and validation for connection handshakes.
type AuthService struct {
	secret        []byte
	tokenDuration time.Duration
}

// NewAuthService creates an AuthService with the given signing secret and token duration.
func NewAuthService(secret string, tokenDuration time.Duration) *AuthService {
	return &AuthService{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
	}
}

// GenerateToken creates a signed JWT for identityID. Tokens are normally
// minted by the game's login service; this is used by tooling and tests.
func (s *AuthService) GenerateToken(identityID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identityID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies the JWT signature and expiry, returning the claims if valid.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, ErrNoIdentity
	}
	return claims, nil
}
