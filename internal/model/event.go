package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType is the category of a telemetry event. The set is closed.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunFinished    EventType = "run_finished"
	EventActionStarted  EventType = "action_started"
	EventActionFinished EventType = "action_finished"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventLLMCall        EventType = "llm_call"
	EventError          EventType = "error"
	EventMetric         EventType = "metric"
	EventHeartbeat      EventType = "heartbeat"
)

var validEventTypes = map[EventType]bool{
	EventRunStarted:     true,
	EventRunFinished:    true,
	EventActionStarted:  true,
	EventActionFinished: true,
	EventToolCall:       true,
	EventToolResult:     true,
	EventLLMCall:        true,
	EventError:          true,
	EventMetric:         true,
	EventHeartbeat:      true,
}

// Valid reports whether t is one of the accepted event types.
func (t EventType) Valid() bool { return validEventTypes[t] }

// HasLatency reports whether events of this type contribute to latency percentiles.
func (t EventType) HasLatency() bool { return t == EventLLMCall || t == EventToolCall }

// EventStatus is the outcome recorded on an event.
type EventStatus string

const (
	EventStatusOK      EventStatus = "ok"
	EventStatusSuccess EventStatus = "success"
	EventStatusError   EventStatus = "error"
	EventStatusRunning EventStatus = "running"
)

// Valid reports whether s is an accepted event status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusOK, EventStatusSuccess, EventStatusError, EventStatusRunning:
		return true
	}
	return false
}

// Limits applied to incoming events.
const (
	MaxAgentIDLen   = 128
	MaxDedupeKeyLen = 255
	MaxModelLen     = 200
	MaxPayloadBytes = 64 * 1024
)

// Event is an immutable telemetry record. Once written it is never updated;
// only the retention purge removes it.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	WorkspaceID    uuid.UUID       `json:"workspace_id"`
	AgentID        string          `json:"agent_id"`
	RunID          *uuid.UUID      `json:"run_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	Status         EventStatus     `json:"status"`
	Provider       *string         `json:"provider,omitempty"`
	Model          *string         `json:"model,omitempty"`
	TokensIn       int64           `json:"tokens_in"`
	TokensOut      int64           `json:"tokens_out"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	LatencyMS      *int64          `json:"latency_ms,omitempty"`
	PricingMissing bool            `json:"pricing_missing"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DedupeKey      *string         `json:"dedupe_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsError reports whether the event counts toward error rates.
func (e Event) IsError() bool {
	return e.EventType == EventError || e.Status == EventStatusError
}

// EventInput is one event as submitted by a caller.
type EventInput struct {
	AgentID   string           `json:"agent_id"`
	RunID     *uuid.UUID       `json:"run_id,omitempty"`
	EventType EventType        `json:"event_type"`
	Status    EventStatus      `json:"status,omitempty"`
	Provider  *string          `json:"provider,omitempty"`
	Model     *string          `json:"model,omitempty"`
	TokensIn  int64            `json:"tokens_in,omitempty"`
	TokensOut int64            `json:"tokens_out,omitempty"`
	CostUSD   *decimal.Decimal `json:"cost_usd,omitempty"`
	LatencyMS *int64           `json:"latency_ms,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	DedupeKey *string          `json:"dedupe_key,omitempty"`
	// OccurredAt lets callers backfill. Defaults to the server receive time.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// MaxClockSkew bounds how far in the future a caller-supplied timestamp may be.
const MaxClockSkew = 5 * time.Minute

// Timestamp returns the event time: OccurredAt when set and not beyond
// MaxClockSkew in the future, otherwise now.
func (in *EventInput) Timestamp(now time.Time) time.Time {
	if in.OccurredAt == nil || in.OccurredAt.After(now.Add(MaxClockSkew)) {
		return now.UTC()
	}
	return in.OccurredAt.UTC()
}

// Reject reasons reported per item.
const (
	RejectInvalidEventType   = "invalid_event_type"
	RejectInvalidItem        = "invalid_item"
	RejectAgentLimitExceeded = "agent_limit_exceeded"
	RejectInternal           = "internal_error"
)

// ItemError is a per-item validation failure.
type ItemError struct {
	Reason  string
	Message string
}

func (e *ItemError) Error() string { return e.Reason + ": " + e.Message }

// Validate checks a single event input. It returns an *ItemError so the
// caller can reject only this item.
func (in *EventInput) Validate() error {
	if !in.EventType.Valid() {
		return &ItemError{Reason: RejectInvalidEventType, Message: fmt.Sprintf("unknown event_type %q", in.EventType)}
	}
	if in.AgentID == "" {
		return &ItemError{Reason: RejectInvalidItem, Message: "agent_id is required"}
	}
	if len(in.AgentID) > MaxAgentIDLen {
		return &ItemError{Reason: RejectInvalidItem, Message: fmt.Sprintf("agent_id must be at most %d characters", MaxAgentIDLen)}
	}
	if err := ValidateAgentID(in.AgentID); err != nil {
		return &ItemError{Reason: RejectInvalidItem, Message: err.Error()}
	}
	if in.Status == "" {
		in.Status = EventStatusOK
	}
	if !in.Status.Valid() {
		return &ItemError{Reason: RejectInvalidItem, Message: fmt.Sprintf("unknown status %q", in.Status)}
	}
	if in.TokensIn < 0 || in.TokensOut < 0 {
		return &ItemError{Reason: RejectInvalidItem, Message: "token counts must be non-negative"}
	}
	if in.LatencyMS != nil && *in.LatencyMS < 0 {
		return &ItemError{Reason: RejectInvalidItem, Message: "latency_ms must be non-negative"}
	}
	if in.CostUSD != nil && in.CostUSD.IsNegative() {
		return &ItemError{Reason: RejectInvalidItem, Message: "cost_usd must be non-negative"}
	}
	if in.Model != nil && len(*in.Model) > MaxModelLen {
		return &ItemError{Reason: RejectInvalidItem, Message: fmt.Sprintf("model must be at most %d characters", MaxModelLen)}
	}
	if in.DedupeKey != nil && (len(*in.DedupeKey) == 0 || len(*in.DedupeKey) > MaxDedupeKeyLen) {
		return &ItemError{Reason: RejectInvalidItem, Message: fmt.Sprintf("dedupe_key must be 1-%d characters", MaxDedupeKeyLen)}
	}
	if len(in.Payload) > MaxPayloadBytes {
		return &ItemError{Reason: RejectInvalidItem, Message: fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes)}
	}
	return nil
}

// EventBatchRequest is the batch body for POST /v1/events.
type EventBatchRequest struct {
	Events []EventInput `json:"events"`
}

// ItemStatus is the per-item ingestion outcome.
type ItemStatus string

const (
	ItemAccepted  ItemStatus = "accepted"
	ItemDuplicate ItemStatus = "duplicate"
	ItemRejected  ItemStatus = "rejected"
)

// ItemResult reports what happened to one submitted event.
type ItemResult struct {
	Index           int        `json:"index"`
	ID              *uuid.UUID `json:"id,omitempty"`
	Status          ItemStatus `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	Message         string     `json:"message,omitempty"`
	UpgradeRequired bool       `json:"upgrade_required,omitempty"`
	PricingMissing  bool       `json:"pricing_missing,omitempty"`
	RunLinked       *bool      `json:"run_linked,omitempty"`
}

// IngestResult is the response for POST /v1/events.
type IngestResult struct {
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Results    []ItemResult `json:"results"`
}

// EventFilters are the query filters for GET /v1/events.
type EventFilters struct {
	AgentID   string
	EventType EventType
	Status    EventStatus
	RunID     *uuid.UUID
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
