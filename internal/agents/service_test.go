package agents

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/secrets"
	"github.com/kilndev/kiln/internal/store"
)

func fixture(t *testing.T) (*Service, store.Store, *store.User) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cipher, err := secrets.NewCipher("", t.TempDir())
	require.NoError(t, err)

	st := store.NewMemoryStore()
	user := &store.User{ID: uuid.NewString(), Name: "dev"}
	require.NoError(t, st.CreateUser(context.Background(), user))

	return NewService(st, cipher, log), st, user
}

func TestCreateEncryptsCredential(t *testing.T) {
	svc, st, user := fixture(t)
	ctx := context.Background()

	agent, err := svc.Create(ctx, CreateRequest{
		UserID:     user.ID,
		Name:       "reviewer",
		Type:       "claude",
		Credential: "sk-secret",
	})
	require.NoError(t, err)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Credential)
	assert.NotContains(t, string(stored.Credential), "sk-secret")

	plain, err := svc.Credential(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)
}

func TestCreateWithoutCredential(t *testing.T) {
	svc, _, user := fixture(t)
	ctx := context.Background()

	agent, err := svc.Create(ctx, CreateRequest{UserID: user.ID, Name: "bot", Type: "shell"})
	require.NoError(t, err)

	plain, err := svc.Credential(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestCreateValidation(t *testing.T) {
	svc, _, user := fixture(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{UserID: user.ID, Name: "", Type: "claude"})
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.Code(err))

	_, err = svc.Create(ctx, CreateRequest{UserID: user.ID, Name: "x", Type: "Not Valid"})
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.Code(err))

	_, err = svc.Create(ctx, CreateRequest{UserID: "nobody", Name: "x", Type: "claude"})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestListAndDelete(t *testing.T) {
	svc, _, user := fixture(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateRequest{UserID: user.ID, Name: "one", Type: "claude"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{UserID: user.ID, Name: "two", Type: "aider"})
	require.NoError(t, err)

	list, err := svc.List(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, svc.Delete(ctx, a.ID))
	err = svc.Delete(ctx, a.ID)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestSetUserVCSCredential(t *testing.T) {
	svc, st, user := fixture(t)
	ctx := context.Background()

	require.NoError(t, svc.SetUserVCSCredential(ctx, user.ID, "ghp_token"))

	stored, err := st.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.VCSCredential)
	assert.NotContains(t, string(stored.VCSCredential), "ghp_token")

	require.NoError(t, svc.SetUserVCSCredential(ctx, user.ID, ""))
	stored, err = st.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.VCSCredential)

	err = svc.SetUserVCSCredential(ctx, "nobody", "x")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}
