package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays or reserves an idempotency key.
// It returns (nil, true) when the request carries no key and the caller
// should proceed normally, and (_, false) when a response has already been
// written.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (*storage.IdempotencyScope, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	p, _ := ctxutil.PrincipalFromContext(r.Context())
	scope := storage.IdempotencyScope{
		WorkspaceID: p.WorkspaceID,
		KeyID:       p.KeyID.String(),
		Endpoint:    endpoint,
		Key:         key,
	}
	lookup, err := h.db.BeginIdempotency(r.Context(), scope, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &scope, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentWrite stores the response for replay. It detaches from
// the request so a client disconnect does not leave the key in progress.
func (h *Handlers) completeIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope, statusCode int, data any) {
	if scope == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var lastErr error
retry:
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = h.db.CompleteIdempotency(writeCtx, *scope, statusCode, data); lastErr == nil {
			return
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt,
			"error", lastErr,
			"endpoint", scope.Endpoint,
		)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			break retry
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed mutation",
		"error", lastErr,
		"workspace_id", scope.WorkspaceID,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
}

// clearIdempotentWrite releases a reservation after a failed mutation so
// the client can retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, scope *storage.IdempotencyScope) {
	if scope == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), *scope); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", scope.Endpoint,
		)
	}
}
