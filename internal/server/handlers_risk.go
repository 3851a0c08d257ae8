package server

import (
	"net/http"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
)

// HandleListRiskPolicies handles GET /v1/risk/policies. Policies are
// provisioned out of band and are read-only over the API.
func (h *Handlers) HandleListRiskPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.riskSvc.Policies(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list risk policies", err)
		return
	}
	writeJSON(w, r, http.StatusOK, policies)
}

// HandleListRiskEvents handles GET /v1/risk/events.
func (h *Handlers) HandleListRiskEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 50), queryOffset(r)
	events, total, err := h.riskSvc.Events(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()),
		r.URL.Query().Get("agent_id"), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list risk events", err)
		return
	}
	writeListJSON(w, r, events, len(events), total, limit, offset)
}

// HandleListRiskAudit handles GET /v1/risk/audit.
func (h *Handlers) HandleListRiskAudit(w http.ResponseWriter, r *http.Request) {
	_, from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.AuditFilters{
		AgentID: q.Get("agent_id"),
		Action:  model.ActionType(q.Get("action")),
		From:    from,
		To:      to,
		Limit:   queryLimit(r, 50),
		Offset:  queryOffset(r),
	}
	switch f.Action {
	case "", model.ActionAlertOnly, model.ActionThrottle, model.ActionModelDowngrade,
		model.ActionPauseAgent, model.ActionRevert:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid action")
		return
	}

	entries, total, err := h.riskSvc.Audit(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list risk audit", err)
		return
	}
	writeListJSON(w, r, entries, len(entries), total, f.Limit, f.Offset)
}

// HandleRevertAudit handles POST /v1/risk/audit/{id}/revert. The fields the
// entry changed are restored unless a later change superseded them, and the
// reversal is audited.
func (h *Handlers) HandleRevertAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entry, err := h.riskSvc.Revert(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to revert intervention", err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}
