package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger Fire reports failures to.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStaticKey sends the API key as the bearer credential on every
// request instead of exchanging it for a JWT.
func WithStaticKey() Option {
	return func(c *Client) { c.static = true }
}

// Client talks to a kansoku server. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	static  bool
	tokens  *tokenManager
}

// NewClient returns a Client for the server at baseURL authenticating with apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("kansoku: base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("kansoku: API key is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	c.tokens = newTokenManager(c.baseURL, apiKey, c.client)
	return c, nil
}

// Emit reports one event.
func (c *Client) Emit(ctx context.Context, e Event) Result {
	return c.ingest(ctx, e)
}

// EmitBatch reports events in one request. Each item is judged
// independently; Result.Items carries the per-item verdicts.
func (c *Client) EmitBatch(ctx context.Context, events []Event) Result {
	if len(events) == 0 {
		return Result{OK: true}
	}
	return c.ingest(ctx, map[string]any{"events": events})
}

// Fire reports an event and logs a failure instead of returning it.
func (c *Client) Fire(ctx context.Context, e Event) {
	if c == nil {
		return
	}
	r := c.Emit(ctx, e)
	if r.OK {
		return
	}
	attrs := []any{
		"agent_id", e.AgentID,
		"event_type", e.EventType,
		"status_code", r.StatusCode,
		"rejected", r.Rejected,
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	for _, it := range r.Items {
		if it.Status == "rejected" {
			attrs = append(attrs, "reason", it.Reason)
			break
		}
	}
	c.logger.Warn("kansoku: event not recorded", attrs...)
}

func (c *Client) ingest(ctx context.Context, body any) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: fmt.Errorf("kansoku: emit: %v", p)}
		}
	}()

	var out ingestResult
	status, err := c.do(ctx, http.MethodPost, "/v1/events", body, &out)
	res = Result{
		StatusCode: status,
		Err:        err,
		Accepted:   out.Accepted,
		Duplicates: out.Duplicates,
		Rejected:   out.Rejected,
		Items:      out.Results,
	}
	res.OK = err == nil && out.Rejected == 0
	return res
}

// StartRun opens a run. A paused agent yields an error for which
// IsAgentPaused is true.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var run Run
	if _, err := c.do(ctx, http.MethodPost, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishRun closes a run with success or error status. runErr is recorded
// when status is RunError.
func (c *Client) FinishRun(ctx context.Context, runID uuid.UUID, status string, runErr error) (*Run, error) {
	body := finishRunRequest{Status: status}
	if runErr != nil {
		msg := runErr.Error()
		body.Error = &msg
	}
	var run Run
	if _, err := c.do(ctx, http.MethodPost, "/v1/runs/"+runID.String()+"/finish", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID.String(), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AgentControl returns the control state risk interventions have set for
// the agent.
func (c *Client) AgentControl(ctx context.Context, agentID string) (*AgentState, error) {
	var st AgentState
	if _, err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code            string `json:"code"`
		Message         string `json:"message"`
		Retryable       bool   `json:"retryable"`
		UpgradeRequired bool   `json:"upgrade_required"`
	} `json:"error"`
}

func (c *Client) credential(ctx context.Context) (string, error) {
	if c.static {
		return c.apiKey, nil
	}
	return c.tokens.getToken(ctx)
}

// do sends one request and decodes the data envelope into dest. A 401 with
// a cached JWT retries once with a fresh token.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) (int, error) {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("kansoku: marshal request body: %w", err)
		}
	}

	status, err := c.send(ctx, method, path, encoded, dest)
	if !c.static && IsUnauthorized(err) && !errors.Is(err, errAuth) {
		c.tokens.invalidate()
		status, err = c.send(ctx, method, path, encoded, dest)
	}
	return status, err
}

// errAuth marks failures of the token exchange itself.
var errAuth = errors.New("kansoku: authenticate")

func (c *Client) send(ctx context.Context, method, path string, encoded []byte, dest any) (int, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return apiErr.StatusCode, fmt.Errorf("%w: %w", errAuth, err)
		}
		return 0, fmt.Errorf("%w: %w", errAuth, err)
	}

	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("kansoku: create request: %w", err)
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kansoku: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kansoku: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("kansoku: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("kansoku: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Retryable = envelope.Error.Retryable
		apiErr.UpgradeRequired = envelope.Error.UpgradeRequired
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
		apiErr.Retryable = statusCode >= 500 || statusCode == http.StatusTooManyRequests
	}
	return apiErr
}
