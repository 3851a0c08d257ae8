package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/alerts"
	"github.com/ashita-ai/kansoku/internal/service/cost"
	"github.com/ashita-ai/kansoku/internal/service/health"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/service/risk"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/tier"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	authn               *authenticator
	tiers               *tier.Registry
	costs               *cost.Engine
	ingestSvc           *ingest.Service
	runSvc              *runs.Service
	healthSvc           *health.Service
	alertSvc            *alerts.Service
	riskSvc             *risk.Service
	jobs                *jobs.Runner
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Jobs, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Tiers               *tier.Registry
	Costs               *cost.Engine
	Ingest              *ingest.Service
	Runs                *runs.Service
	Health              *health.Service
	Alerts              *alerts.Service
	Risk                *risk.Service
	Jobs                *jobs.Runner
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		authn:               newAuthenticator(d.DB, d.JWTMgr, d.Logger),
		tiers:               d.Tiers,
		costs:               d.Costs,
		ingestSvc:           d.Ingest,
		runSvc:              d.Runs,
		healthSvc:           d.Health,
		alertSvc:            d.Alerts,
		riskSvc:             d.Risk,
		jobs:                d.Jobs,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
		now:                 time.Now,
	}
}

// HandleAuthToken handles POST /auth/token. It exchanges a raw API key for
// a short-lived JWT bound to the same key.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	key, err := h.authn.verifyRawKey(r.Context(), req.APIKey)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "failed to verify api key", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued",
		"workspace_id", key.WorkspaceID,
		"key_id", key.ID,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// Idle SSE connections would otherwise be cut at WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(ctxutil.WorkspaceIDFromContext(r.Context()))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	writeInternalError(w, r, h.logger, msg, err)
}

// writeServiceError maps a service or storage error to its API response.
// Anything unrecognised is logged and reported as a retryable 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var throttled *runs.ThrottledError
	switch {
	case errors.Is(err, tier.ErrQuotaExceeded):
		writeError(w, r, http.StatusForbidden, model.ErrCodeQuotaExceeded, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrRunExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already exists")
	case errors.Is(err, storage.ErrRunFinished):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already finished")
	case errors.Is(err, storage.ErrNothingToRevert):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "nothing left to revert: a later change superseded this action")
	case errors.Is(err, runs.ErrAgentPaused):
		writeError(w, r, http.StatusConflict, model.ErrCodeAgentPaused, "agent is paused")
	case errors.As(err, &throttled):
		secs := int(throttled.RetryAfter(h.now()).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
	case errors.Is(err, runs.ErrInvalidStatus), errors.Is(err, alerts.ErrInvalidRule), errors.Is(err, tier.ErrUnknownTier):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents large offsets that force long sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// queryTime parses an RFC3339 timestamp or a YYYY-MM-DD date. A missing
// value is the zero time. A date is the start of that UTC day, or with
// through set the start of the next one, so that an exclusive upper bound
// still covers the whole named day.
func queryTime(r *http.Request, key string, through bool) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := model.ParseDate(v); err == nil {
		if through {
			return t.AddDate(0, 0, 1), nil
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 or YYYY-MM-DD", key)
}

// queryRange parses from/to into a half-open [from, to) range clamped into
// the workspace retention window. A date-only to includes that day.
func (h *Handlers) queryRange(w http.ResponseWriter, r *http.Request) (model.WorkspaceTier, time.Time, time.Time, bool) {
	from, err := queryTime(r, "from", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.WorkspaceTier{}, time.Time{}, time.Time{}, false
	}
	to, err := queryTime(r, "to", true)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.WorkspaceTier{}, time.Time{}, time.Time{}, false
	}
	t, err := h.tiers.Get(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve tier", err)
		return model.WorkspaceTier{}, time.Time{}, time.Time{}, false
	}
	from, to = tier.ClampRange(t, from, to, h.now())
	return t, from, to, true
}
