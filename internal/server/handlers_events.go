package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/model"
)

// HandleIngestEvents handles POST /v1/events. The body is either a single
// event object or {"events": [...]}.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	items, single, err := parseEventBody(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must not be empty")
		return
	}

	scope, proceed := h.beginIdempotentWrite(w, r, "POST:/v1/events", items)
	if !proceed {
		return
	}

	ws := ctxutil.WorkspaceIDFromContext(r.Context())
	result, err := h.ingestSvc.Ingest(r.Context(), ws, items)
	if err != nil {
		h.clearIdempotentWrite(r, scope)
		h.writeServiceError(w, r, "failed to ingest events", err)
		return
	}

	if single && result.Rejected == 1 && result.Results[0].Reason == model.RejectAgentLimitExceeded {
		h.clearIdempotentWrite(r, scope)
		writeError(w, r, http.StatusForbidden, model.ErrCodeQuotaExceeded, result.Results[0].Message)
		return
	}

	status := http.StatusOK
	if result.Rejected > 0 {
		status = http.StatusAccepted
	}
	h.completeIdempotentWrite(r, scope, status, result)
	writeJSON(w, r, status, result)
}

// parseEventBody tells the two body shapes apart by the presence of an
// "events" key, then decodes strictly.
func parseEventBody(raw json.RawMessage) ([]model.EventInput, bool, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false, errors.New("body must be a JSON object")
	}
	if _, ok := envelope["events"]; ok {
		var batch model.EventBatchRequest
		if err := strictUnmarshal(raw, &batch); err != nil {
			return nil, false, err
		}
		return batch.Events, false, nil
	}
	var one model.EventInput
	if err := strictUnmarshal(raw, &one); err != nil {
		return nil, true, err
	}
	return []model.EventInput{one}, true, nil
}

func strictUnmarshal(raw []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("body must contain a single JSON value")
	}
	return nil
}

// HandleQueryEvents handles GET /v1/events.
func (h *Handlers) HandleQueryEvents(w http.ResponseWriter, r *http.Request) {
	_, from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.EventFilters{
		AgentID:   q.Get("agent_id"),
		EventType: model.EventType(q.Get("event_type")),
		Status:    model.EventStatus(q.Get("status")),
		From:      from,
		To:        to,
		Limit:     queryLimit(r, 100),
		Offset:    queryOffset(r),
	}
	if f.EventType != "" && !f.EventType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid event_type")
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status")
		return
	}
	if v := q.Get("run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
			return
		}
		f.RunID = &id
	}

	events, total, err := h.db.QueryEvents(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to query events", err)
		return
	}
	writeListJSON(w, r, events, len(events), total, f.Limit, f.Offset)
}
