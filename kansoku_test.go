package kansoku_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

var (
	testApp   *kansoku.App
	published = &recordingPublisher{}
)

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []kansoku.ControlCommand
}

func (p *recordingPublisher) Publish(_ context.Context, cmd kansoku.ControlCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) forAgent(agentID string) []kansoku.ControlCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kansoku.ControlCommand
	for _, c := range p.cmds {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	var err error
	testApp, err = kansoku.New(
		kansoku.WithoutDotenv(),
		kansoku.WithDatabaseURL(tc.DSN),
		kansoku.WithLogger(testutil.TestLogger()),
		kansoku.WithVersion("test"),
		kansoku.WithControlPublisher(published),
		kansoku.WithExtraRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /v1/whoami", func(w http.ResponseWriter, r *http.Request) {
				ws, ok := kansoku.WorkspaceFromContext(r.Context())
				if !ok {
					http.Error(w, "no workspace", http.StatusUnauthorized)
					return
				}
				_, _ = w.Write([]byte(ws.String()))
			})
		}),
		kansoku.WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Embedded-By", "kansoku-test")
				next.ServeHTTP(w, r)
			})
		}),
	)
	if err != nil {
		_, _ = os.Stderr.WriteString("kansoku test: new app: " + err.Error() + "\n")
		return 1
	}
	code := m.Run()
	testApp.Close(context.Background())
	return code
}

func bearer(req *http.Request, key string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+key)
	return req
}

func TestJobsRegistered(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{kansoku.JobAggregate, kansoku.JobAlerts, kansoku.JobRisk, kansoku.JobHealth, kansoku.JobRetention},
		testApp.Jobs())
}

func TestRunJob(t *testing.T) {
	ctx := context.Background()
	for _, name := range testApp.Jobs() {
		t.Run(name, func(t *testing.T) {
			s, err := testApp.RunJob(ctx, name, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Equal(t, name, s.Job)
			assert.False(t, s.StartedAt.IsZero())
		})
	}

	_, err := testApp.RunJob(ctx, "compact", time.Time{})
	assert.Error(t, err)
}

func TestCreateWorkspaceAndKeys(t *testing.T) {
	ctx := context.Background()
	ws, key, err := testApp.CreateWorkspace(ctx, "embedded", "free")
	require.NoError(t, err)
	assert.Equal(t, "free", ws.Tier)
	assert.Equal(t, ws.ID, key.WorkspaceID)
	assert.NotEmpty(t, key.RawKey)

	second, err := testApp.CreateAPIKey(ctx, ws.ID, "ci", nil)
	require.NoError(t, err)
	assert.Equal(t, "ci", second.Label)
	assert.Contains(t, second.RawKey, second.Prefix)

	// Free tier allows two keys; the initial key counts.
	_, err = testApp.CreateAPIKey(ctx, ws.ID, "third", nil)
	assert.Error(t, err)

	_, _, err = testApp.CreateWorkspace(ctx, "bad", "platinum")
	assert.ErrorContains(t, err, "unknown tier")
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	ws, key, err := testApp.CreateWorkspace(context.Background(), "routes", "pro")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	testApp.Handler().ServeHTTP(rec, bearer(httptest.NewRequest("GET", "/v1/whoami", nil), key.RawKey))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ws.ID.String(), rec.Body.String())
	assert.Equal(t, "kansoku-test", rec.Header().Get("X-Embedded-By"))

	rec = httptest.NewRecorder()
	testApp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "extra routes sit behind auth")
}

func TestSeedPricing(t *testing.T) {
	n, err := testApp.SeedPricing(context.Background(), "")
	require.NoError(t, err)
	assert.Positive(t, n)

	_, err = testApp.SeedPricing(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeedPoliciesAndRiskJobPublishes(t *testing.T) {
	ctx := context.Background()
	ws, key, err := testApp.CreateWorkspace(ctx, "risky", "pro")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - agent_id: spender
    policy_type: spend_cap
    threshold: "5"
    action_type: pause_agent
`), 0o600))
	n, err := testApp.SeedPolicies(ctx, ws.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	body, err := json.Marshal(map[string]any{"agent_id": "spender", "event_type": "llm_call", "cost_usd": "5.01"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := bearer(httptest.NewRequest("POST", "/v1/events", strings.NewReader(string(body))), key.RawKey)
	req.Header.Set("Content-Type", "application/json")
	testApp.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s, err := testApp.RunJob(ctx, kansoku.JobRisk, time.Time{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Fired, 1)

	require.Eventually(t, func() bool { return len(published.forAgent("spender")) == 1 },
		5*time.Second, 10*time.Millisecond, "commands are published in the background")
	cmds := published.forAgent("spender")
	assert.Equal(t, "pause_agent", cmds[0].Action)
	assert.Equal(t, ws.ID, cmds[0].WorkspaceID)
	assert.False(t, cmds[0].State.IsActive)

	// Inside the cooldown the breach does not publish again.
	_, err = testApp.RunJob(ctx, kansoku.JobRisk, time.Time{})
	require.NoError(t, err)
	assert.Len(t, published.forAgent("spender"), 1)
}
