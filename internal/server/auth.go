package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// keyCacheTTL bounds how long a verified key or a key row is reused
// without going back to Postgres. Revocation through the API invalidates
// immediately; expiry and out-of-band revocation take at most this long.
const keyCacheTTL = 30 * time.Second

var errInvalidCredentials = errors.New("server: invalid credentials")

// authenticator resolves bearer credentials into principals. A successful
// Argon2id verification is cached under the SHA-256 of the raw key.
type authenticator struct {
	db     *storage.DB
	jwtMgr *auth.JWTManager
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

func newAuthenticator(db *storage.DB, jwtMgr *auth.JWTManager, logger *slog.Logger) *authenticator {
	return &authenticator{
		db:     db,
		jwtMgr: jwtMgr,
		cache:  cache.New(keyCacheTTL, 2*keyCacheTTL),
		logger: logger,
		now:    time.Now,
	}
}

func (a *authenticator) authenticate(ctx context.Context, token string) (ctxutil.Principal, error) {
	if strings.HasPrefix(token, model.KeyFormatPrefix) {
		key, err := a.verifyRawKey(ctx, token)
		if err != nil {
			return ctxutil.Principal{}, err
		}
		return ctxutil.Principal{WorkspaceID: key.WorkspaceID, KeyID: key.ID}, nil
	}

	claims, err := a.jwtMgr.ValidateToken(token)
	if err != nil {
		return ctxutil.Principal{}, errInvalidCredentials
	}
	// Revoking a key also revokes the tokens issued from it.
	if _, err := a.activeKey(ctx, claims.WorkspaceID, claims.KeyID); err != nil {
		return ctxutil.Principal{}, err
	}
	return ctxutil.Principal{WorkspaceID: claims.WorkspaceID, KeyID: claims.KeyID, ViaJWT: true}, nil
}

// verifyRawKey checks a ks_ key against its stored hash and returns the
// key row. Unknown prefixes still pay for one Argon2id hash.
func (a *authenticator) verifyRawKey(ctx context.Context, raw string) (model.APIKey, error) {
	digest := sha256.Sum256([]byte(raw))
	rawEntry := "raw:" + hex.EncodeToString(digest[:])
	if v, ok := a.cache.Get(rawEntry); ok {
		ref := v.(keyRef)
		return a.activeKey(ctx, ref.workspaceID, ref.keyID)
	}

	prefix, err := model.ParseRawKey(raw)
	if err != nil {
		auth.DummyVerify()
		return model.APIKey{}, errInvalidCredentials
	}
	key, err := a.db.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.DummyVerify()
			return model.APIKey{}, errInvalidCredentials
		}
		return model.APIKey{}, err
	}
	valid, err := auth.VerifyAPIKey(raw, key.KeyHash)
	if err != nil || !valid {
		return model.APIKey{}, errInvalidCredentials
	}
	if !keyUsable(key, a.now()) {
		return model.APIKey{}, errInvalidCredentials
	}

	a.cache.SetDefault(rawEntry, keyRef{workspaceID: key.WorkspaceID, keyID: key.ID})
	a.cache.SetDefault(keyEntry(key.ID), key)
	if err := a.db.TouchAPIKeyLastUsed(ctx, key.ID); err != nil {
		a.logger.Warn("auth: touch key failed", "key_id", key.ID, "error", err)
	}
	return key, nil
}

// activeKey returns the key row if it is neither revoked nor expired.
func (a *authenticator) activeKey(ctx context.Context, workspaceID, keyID uuid.UUID) (model.APIKey, error) {
	var key model.APIKey
	if v, ok := a.cache.Get(keyEntry(keyID)); ok {
		key = v.(model.APIKey)
	} else {
		k, err := a.db.GetAPIKeyByID(ctx, workspaceID, keyID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.APIKey{}, errInvalidCredentials
			}
			return model.APIKey{}, fmt.Errorf("server: load api key: %w", err)
		}
		key = k
		a.cache.SetDefault(keyEntry(keyID), key)
	}
	if key.WorkspaceID != workspaceID || !keyUsable(key, a.now()) {
		return model.APIKey{}, errInvalidCredentials
	}
	return key, nil
}

// invalidate drops the cached row for a key so its revocation is seen on
// the next request.
func (a *authenticator) invalidate(keyID uuid.UUID) {
	a.cache.Delete(keyEntry(keyID))
}

type keyRef struct {
	workspaceID uuid.UUID
	keyID       uuid.UUID
}

func keyEntry(id uuid.UUID) string { return "key:" + id.String() }

func keyUsable(k model.APIKey, now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}
