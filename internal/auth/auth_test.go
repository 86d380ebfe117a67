package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilndev/kiln/internal/common/config"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenDuration: 3600,
	})
}

func TestAuthenticator_MintAndAuthenticate(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.Mint("user-1")
	require.NoError(t, err)

	principal, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.UserID)
}

func TestAuthenticator_RejectsEmptyToken(t *testing.T) {
	a := newTestAuthenticator()

	_, err := a.Authenticate("")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthenticated, apperrors.Code(err))
}

func TestAuthenticator_RejectsGarbageToken(t *testing.T) {
	a := newTestAuthenticator()

	_, err := a.Authenticate("not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthenticated, apperrors.Code(err))
}

func TestAuthenticator_RejectsWrongSecret(t *testing.T) {
	a := newTestAuthenticator()
	other := NewAuthenticator(config.AuthConfig{JWTSecret: "other-secret", TokenDuration: 3600})

	token, err := other.Mint("user-1")
	require.NoError(t, err)

	_, err = a.Authenticate(token)
	assert.Error(t, err)
}

func TestAuthenticator_RejectsExpiredToken(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "test-secret", TokenDuration: -1})

	token, err := a.Mint("user-1")
	require.NoError(t, err)

	_, err = newTestAuthenticator().Authenticate(token)
	assert.Error(t, err)
}
