package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestHashAndVerifyAPIKey(t *testing.T) {
	raw, _, err := model.GenerateRawKey()
	require.NoError(t, err)

	hash, err := auth.HashAPIKey(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey(raw, hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("ks_00000000_wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey(raw, "not-a-hash")
	require.Error(t, err)
}

func TestMintAPIKey(t *testing.T) {
	ws := uuid.New()
	minted, err := auth.MintAPIKey(ws, "ci", nil)
	require.NoError(t, err)

	prefix, err := model.ParseRawKey(minted.RawKey)
	require.NoError(t, err)
	assert.Equal(t, minted.Prefix, prefix)
	assert.Equal(t, ws, minted.WorkspaceID)
	assert.NotEqual(t, uuid.Nil, minted.ID)

	valid, err := auth.VerifyAPIKey(minted.RawKey, minted.KeyHash)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, discard)
	require.NoError(t, err)

	key := model.APIKey{ID: uuid.New(), WorkspaceID: uuid.New()}
	token, expiresAt, err := mgr.IssueToken(key)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, key.WorkspaceID, claims.WorkspaceID)
	assert.Equal(t, key.ID, claims.KeyID)
	assert.Equal(t, "kansoku", claims.Issuer)
}

func TestValidateToken_OtherManagerRejected(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour, discard)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour, discard)
	require.NoError(t, err)

	token, _, err := a.IssueToken(model.APIKey{ID: uuid.New(), WorkspaceID: uuid.New()})
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	require.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, discard)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_Forged(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()
	keyID := uuid.New()

	registered := func(issuer, subject string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"kansoku"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		}
	}

	tests := []struct {
		name   string
		claims *auth.Claims
		errMsg string
	}{
		{
			name:   "wrong issuer",
			claims: &auth.Claims{RegisteredClaims: registered("not-kansoku", keyID.String()), WorkspaceID: uuid.New(), KeyID: keyID},
			errMsg: "invalid issuer",
		},
		{
			name:   "malformed subject",
			claims: &auth.Claims{RegisteredClaims: registered("kansoku", "not-a-uuid"), WorkspaceID: uuid.New(), KeyID: keyID},
			errMsg: "invalid subject",
		},
		{
			name:   "subject differs from key id",
			claims: &auth.Claims{RegisteredClaims: registered("kansoku", uuid.NewString()), WorkspaceID: uuid.New(), KeyID: keyID},
			errMsg: "not bound",
		},
		{
			name:   "missing workspace",
			claims: &auth.Claims{RegisteredClaims: registered("kansoku", keyID.String()), KeyID: keyID},
			errMsg: "not bound",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, tt.claims))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	valid := forgeToken(t, privKey, &auth.Claims{RegisteredClaims: registered("kansoku", keyID.String()), WorkspaceID: uuid.New(), KeyID: keyID})
	_, err := mgr.ValidateToken(valid)
	require.NoError(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	past := time.Now().Add(-2 * time.Hour)
	keyID := uuid.New()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   keyID.String(),
			Issuer:    "kansoku",
			Audience:  jwt.ClaimStrings{"kansoku"},
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		},
		WorkspaceID: uuid.New(),
		KeyID:       keyID,
	})
	_, err := mgr.ValidateToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}
