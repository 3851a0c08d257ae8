package auth_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
)

func TestWriteKeyPairLoadsIntoManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	priv, pub, err := auth.WriteKeyPair(dir)
	require.NoError(t, err)

	for _, p := range []string{priv, pub} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	mgr, err := auth.NewJWTManager(priv, pub, time.Hour, discard)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.APIKey{ID: uuid.New(), WorkspaceID: uuid.New()})
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.NoError(t, err)
}

func TestWriteKeyPairRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	priv, _, err := auth.WriteKeyPair(dir)
	require.NoError(t, err)
	before, err := os.ReadFile(priv)
	require.NoError(t, err)

	_, _, err = auth.WriteKeyPair(dir)
	require.ErrorIs(t, err, auth.ErrKeyExists)

	after, err := os.ReadFile(priv)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
