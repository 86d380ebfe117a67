// Package auth verifies access tokens and resolves them to principals.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilndev/kiln/internal/common/config"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
)

// Principal identifies an authenticated user.
type Principal struct {
	UserID string
}

// Claims is the JWT claim set minted for access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens against the configured HMAC secret.
type Authenticator struct {
	secret   []byte
	duration time.Duration
}

// NewAuthenticator creates an Authenticator from auth configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		duration: cfg.TokenDurationTime(),
	}
}

// Authenticate verifies a token string and returns the principal it names.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, apperrors.Unauthenticated("missing access token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperrors.Unauthenticated("invalid access token")
	}
	if claims.UserID == "" {
		return nil, apperrors.Unauthenticated("token has no subject")
	}

	return &Principal{UserID: claims.UserID}, nil
}

// Mint issues a signed access token for the given user.
func (a *Authenticator) Mint(userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
