package server

import (
	"net/http"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/aggregate"
)

// HandleOverview handles GET /v1/overview?days=N.
func (h *Handlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", aggregate.DefaultOverviewDays)
	ov, err := aggregate.OverviewFor(r.Context(), h.db, h.tiers,
		ctxutil.WorkspaceIDFromContext(r.Context()), days, h.now())
	if err != nil {
		h.writeInternalError(w, r, "failed to build overview", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ov)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	agent, err := h.db.GetAgent(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), agentID)
	if err != nil {
		h.writeServiceError(w, r, "failed to get agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentMetrics handles GET /v1/agents/{agent_id}/metrics.
func (h *Handlers) HandleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	_, from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}
	metrics, err := h.db.ListDailyMetrics(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()),
		agentID, model.UTCDay(from), model.LastDay(to))
	if err != nil {
		h.writeInternalError(w, r, "failed to list metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// HandleAgentHealthHistory handles GET /v1/agents/{agent_id}/health.
func (h *Handlers) HandleAgentHealthHistory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	_, from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}
	scores, err := h.db.ListHealthScores(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()),
		agentID, model.UTCDay(from), model.LastDay(to))
	if err != nil {
		h.writeInternalError(w, r, "failed to list health scores", err)
		return
	}
	writeJSON(w, r, http.StatusOK, scores)
}

// HandleAgentHealthDay handles GET /v1/agents/{agent_id}/health/{date}. A
// day without a metric row reports status no_data rather than 404.
func (h *Handlers) HandleAgentHealthDay(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathAgentID(w, r)
	if !ok {
		return
	}
	date, err := model.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid date: expected YYYY-MM-DD")
		return
	}
	score, err := h.healthSvc.Get(r.Context(), model.AgentDay{
		WorkspaceID: ctxutil.WorkspaceIDFromContext(r.Context()),
		AgentID:     agentID,
		Date:        date,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to get health score", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

func pathAgentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("agent_id")
	if err := model.ValidateAgentID(id); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", false
	}
	return id, true
}
