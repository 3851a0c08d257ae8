package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
)

// HandleCreateAlertRule handles POST /v1/alerts/rules.
func (h *Handlers) HandleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAlertRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	scope, proceed := h.beginIdempotentWrite(w, r, "POST:/v1/alerts/rules", req)
	if !proceed {
		return
	}
	rule, err := h.alertSvc.Create(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), req)
	if err != nil {
		h.clearIdempotentWrite(r, scope)
		h.writeServiceError(w, r, "failed to create alert rule", err)
		return
	}
	h.completeIdempotentWrite(r, scope, http.StatusCreated, rule)
	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleListAlertRules handles GET /v1/alerts/rules.
func (h *Handlers) HandleListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.alertSvc.List(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list alert rules", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleGetAlertRule handles GET /v1/alerts/rules/{id}.
func (h *Handlers) HandleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rule, err := h.alertSvc.Get(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to get alert rule", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdateAlertRule handles PATCH /v1/alerts/rules/{id}.
func (h *Handlers) HandleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdateAlertRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	rule, err := h.alertSvc.Update(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id, req)
	if err != nil {
		h.writeServiceError(w, r, "failed to update alert rule", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleDeleteAlertRule handles DELETE /v1/alerts/rules/{id}.
func (h *Handlers) HandleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.alertSvc.Delete(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, r, "failed to delete alert rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListAlertEvents handles GET /v1/alerts/events.
func (h *Handlers) HandleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	_, from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.AlertEventFilters{
		AgentID: q.Get("agent_id"),
		From:    from,
		To:      to,
		Limit:   queryLimit(r, 50),
		Offset:  queryOffset(r),
	}
	if v := q.Get("rule_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule_id")
			return
		}
		f.RuleID = &id
	}
	if v := q.Get("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid acknowledged")
			return
		}
		f.Acknowledged = &b
	}

	events, total, err := h.alertSvc.Events(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list alert events", err)
		return
	}
	writeListJSON(w, r, events, len(events), total, f.Limit, f.Offset)
}

// HandleAckAlertEvent handles POST /v1/alerts/events/{id}/ack.
func (h *Handlers) HandleAckAlertEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ev, err := h.alertSvc.Ack(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to acknowledge alert event", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}
