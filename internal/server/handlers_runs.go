package server

import (
	"net/http"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	scope, proceed := h.beginIdempotentWrite(w, r, "POST:/v1/runs", req)
	if !proceed {
		return
	}

	run, err := h.runSvc.Start(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runs.StartInput{
		RunID:    req.RunID,
		AgentID:  req.AgentID,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.clearIdempotentWrite(r, scope)
		h.writeServiceError(w, r, "failed to start run", err)
		return
	}
	h.completeIdempotentWrite(r, scope, http.StatusCreated, run)
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleFinishRun handles POST /v1/runs/{run_id}/finish.
func (h *Handlers) HandleFinishRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.FinishRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.runSvc.Finish(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID, runs.FinishInput{
		Status: req.Status,
		Error:  req.Error,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to finish run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.runSvc.Get(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeServiceError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RunFilters{
		AgentID: q.Get("agent_id"),
		Status:  model.RunStatus(q.Get("status")),
		Limit:   queryLimit(r, 50),
		Offset:  queryOffset(r),
	}
	switch f.Status {
	case "", model.RunStatusRunning, model.RunStatusSuccess, model.RunStatusError:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status")
		return
	}

	list, total, err := h.runSvc.List(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeListJSON(w, r, list, len(list), total, f.Limit, f.Offset)
}
