package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/cost"
)

// HandleRunJob handles POST /internal/jobs/{name}. An optional ?date=
// (YYYY-MM-DD) replays a past day; the default is today, UTC.
func (h *Handlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "jobs not configured")
		return
	}
	name := r.PathValue("name")
	date, err := queryTime(r, "date", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	summary, err := h.jobs.Run(r.Context(), name, date)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				fmt.Sprintf("unknown job %q (known: %s)", name, strings.Join(h.jobs.Names(), ", ")))
			return
		}
		h.writeInternalError(w, r, "job failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleCreateWorkspace handles POST /internal/admin/workspaces. The
// workspace, its tier row and its first API key are created together.
func (h *Handlers) HandleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkspaceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if req.Tier == "" {
		req.Tier = model.TierFree
	}

	id := uuid.New()
	t, ok := model.TierBundle(req.Tier, id)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown tier %q", req.Tier))
		return
	}
	minted, err := auth.MintAPIKey(id, "initial", nil)
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}

	ws, err := h.db.CreateWorkspace(r.Context(), model.Workspace{
		ID:              id,
		Name:            req.Name,
		SlackWebhookURL: req.SlackWebhookURL,
		AlertWebhookURL: req.AlertWebhookURL,
	}, t, minted.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to create workspace", err)
		return
	}

	h.logger.Info("workspace created", "workspace_id", ws.ID, "tier", t.TierName)
	writeJSON(w, r, http.StatusCreated, model.CreateWorkspaceResponse{
		Workspace: ws,
		Tier:      t,
		Key:       minted,
	})
}

// HandleSetTier handles PUT /internal/admin/workspaces/{id}/tier. The new
// limits apply to the next request.
func (h *Handlers) HandleSetTier(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.SetTierRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if _, err := h.db.GetWorkspace(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "failed to load workspace", err)
		return
	}
	t, err := h.tiers.Set(r.Context(), id, req.Tier)
	if err != nil {
		h.writeServiceError(w, r, "failed to set tier", err)
		return
	}
	h.logger.Info("workspace tier changed", "workspace_id", id, "tier", t.TierName)
	writeJSON(w, r, http.StatusOK, t)
}

// HandleUpsertPricing handles PUT /internal/admin/pricing.
func (h *Handlers) HandleUpsertPricing(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertPricingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "rows must not be empty")
		return
	}
	for i, p := range req.Rows {
		if err := cost.ValidatePricing(p); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("row %d: %v", i, err))
			return
		}
	}
	if err := h.costs.Upsert(r.Context(), req.Rows); err != nil {
		h.writeInternalError(w, r, "failed to upsert pricing", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"upserted": len(req.Rows)})
}
