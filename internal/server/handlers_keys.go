package server

import (
	"net/http"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// HandleCreateKey handles POST /v1/keys. The raw key is returned exactly
// once; afterwards only the prefix is visible. Creation is not idempotent
// because a replay would have to store the raw key.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	ws := ctxutil.WorkspaceIDFromContext(r.Context())

	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.now()) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at must be in the future")
		return
	}

	t, err := h.tiers.Get(r.Context(), ws)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve tier", err)
		return
	}
	minted, err := auth.MintAPIKey(ws, req.Label, req.ExpiresAt)
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	created, err := h.db.CreateAPIKey(r.Context(), minted.APIKey, t.MaxAPIKeys)
	if err != nil {
		h.writeServiceError(w, r, "failed to create api key", tier.QuotaError(t, err))
		return
	}

	h.logger.Info("api key created",
		"workspace_id", ws,
		"key_id", created.ID,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{APIKey: created, RawKey: minted.RawKey})
}

// HandleListKeys handles GET /v1/keys. Hashes are never exposed.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.db.ListAPIKeys(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list api keys", err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// HandleRevokeKey handles DELETE /v1/keys/{id}. The key and every token
// issued from it stop working on the next request.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ws := ctxutil.WorkspaceIDFromContext(r.Context())
	keyID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.RevokeAPIKey(r.Context(), ws, keyID); err != nil {
		h.writeServiceError(w, r, "failed to revoke api key", err)
		return
	}
	h.authn.invalidate(keyID)
	h.logger.Info("api key revoked", "workspace_id", ws, "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}
