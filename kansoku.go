// Package kansoku is the public API for embedding the kansoku agent
// observability and risk control plane.
//
// Consumers construct and extend the server without forking it:
//
//	app, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithControlPublisher(myRuntimeBus{}),
//	    kansoku.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root package. Public types are standalone structs; conversion helpers
// live here because this is the only file that sees both sides.
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kansoku/api"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/control"
	"github.com/ashita-ai/kansoku/internal/ctxutil"
	"github.com/ashita-ai/kansoku/internal/jobs"
	"github.com/ashita-ai/kansoku/internal/mcp"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/notify"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/aggregate"
	"github.com/ashita-ai/kansoku/internal/service/alerts"
	"github.com/ashita-ai/kansoku/internal/service/cost"
	"github.com/ashita-ai/kansoku/internal/service/health"
	"github.com/ashita-ai/kansoku/internal/service/ingest"
	"github.com/ashita-ai/kansoku/internal/service/retention"
	"github.com/ashita-ai/kansoku/internal/service/risk"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
	"github.com/ashita-ai/kansoku/internal/tier"
	"github.com/ashita-ai/kansoku/migrations"
)

// Job names accepted by RunJob and POST /internal/jobs/{name}.
const (
	JobAggregate = "aggregate"
	JobAlerts    = "alerts"
	JobRisk      = "risk"
	JobHealth    = "health"
	JobRetention = "retention"
)

const (
	shutdownHTTPTimeout   = 15 * time.Second
	shutdownNotifyTimeout = 10 * time.Second
	egressTimeout         = 5 * time.Second
)

// App is the kansoku server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	publisher    control.Publisher
	dispatcher   *notify.Dispatcher
	limiter      ratelimit.Limiter
	tiers        *tier.Registry
	costs        *cost.Engine
	runner       *jobs.Runner
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises kansoku. It connects to the database, runs migrations,
// wires all subsystems and returns a ready-to-run App. It does not start
// goroutines or accept HTTP connections; call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is normal in production.
	if !o.skipDotenv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansoku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	// cleanup releases what New has acquired so far on a failed start.
	cleanup := func() {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			cleanup()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: egressTimeout}
	}
	dispatcher := notify.New(httpClient, logger)

	var publisher control.Publisher
	if o.controlPublisher != nil {
		publisher = control.NewQueue(&controlPublisherAdapter{p: o.controlPublisher}, control.DefaultQueueSize, logger)
		logger.Info("control bus: external publisher")
	} else {
		publisher = control.New(cfg.KafkaBrokers, cfg.ControlTopic, logger)
	}

	tiers := tier.NewRegistry(db, cfg.TierCacheTTL)
	costs := cost.NewEngine(db, cfg.PricingCacheTTL)

	ingestSvc := ingest.New(db, tiers, costs, logger)
	runsSvc := runs.New(db, tiers, cfg.RunStaleAfter, logger)
	aggregateSvc := aggregate.New(db, cfg.JobConcurrency, logger)
	healthSvc := health.New(db, logger)
	alertSvc := alerts.New(db, tiers, dispatcher, cfg.AlertWebhookURL, logger)
	riskSvc := risk.New(db, tiers, publisher, dispatcher, cfg.AlertWebhookURL, logger)
	retentionSvc := retention.New(db, tiers, logger)

	runner := jobs.NewRunner(cfg.JobBudget, cfg.JobSafetyMargin, logger)
	runner.Register(JobAggregate, jobs.WithPrevious(aggregateSvc.Run))
	runner.Register(JobHealth, jobs.WithPrevious(healthSvc.Run))
	runner.Register(JobAlerts, atNow(alertSvc.Evaluate))
	runner.Register(JobRisk, atNow(riskSvc.Evaluate))
	runner.Register(JobRetention, atNow(retentionSvc.Run))

	mcpSrv := mcp.New(db, tiers, healthSvc, alertSvc, logger, version)

	var broker *server.Broker
	if db.HasNotify() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Tiers:               tiers,
		Costs:               costs,
		Ingest:              ingestSvc,
		Runs:                runsSvc,
		Health:              healthSvc,
		Alerts:              alertSvc,
		Risk:                riskSvc,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Jobs:                runner,
		MCPServer:           mcpSrv.MCPServer(),
		InternalSecret:      cfg.InternalSecret,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	if cfg.InternalSecret == "" {
		logger.Warn("internal routes disabled (KANSOKU_INTERNAL_SECRET unset); scheduled jobs must run through the CLI")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		publisher:    publisher,
		dispatcher:   dispatcher,
		limiter:      limiter,
		tiers:        tiers,
		costs:        costs,
		runner:       runner,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the SSE broker and the HTTP server, then blocks until ctx is
// cancelled or the server fails. It calls Shutdown before returning.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting requests, drains in-flight ones, waits for
// outstanding notification deliveries and releases every resource.
// Pass a context with a deadline to bound the whole sequence.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kansoku shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.Close(ctx)
	a.logger.Info("kansoku stopped")
	return nil
}

// Close releases resources without touching the HTTP server. CLI commands
// that never call Run use it directly.
func (a *App) Close(ctx context.Context) {
	notifyCtx, notifyCancel := contextWithOptionalTimeout(ctx, shutdownNotifyTimeout)
	defer notifyCancel()
	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-notifyCtx.Done():
		a.logger.Warn("notification deliveries still in flight at shutdown")
	}

	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("control publisher close failed", "error", err)
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
}

// Handler returns the root HTTP handler, for tests and custom listeners.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Jobs returns the registered job names.
func (a *App) Jobs() []string {
	return a.runner.Names()
}

// RunJob runs one scheduled job under the configured deadline, exactly as
// POST /internal/jobs/{name} does. date selects the UTC day for aggregate
// and health; the zero value means today.
func (a *App) RunJob(ctx context.Context, name string, date time.Time) (JobSummary, error) {
	if date.IsZero() {
		date = time.Now()
	}
	s, err := a.runner.Run(ctx, name, date)
	if err != nil {
		return JobSummary{}, err
	}
	return toPublicJobSummary(s), nil
}

// SeedPricing loads a YAML pricing file into the pricing table and drops
// the resolution cache. An empty path loads the built-in table.
func (a *App) SeedPricing(ctx context.Context, path string) (int, error) {
	rows, err := cost.LoadPricingFile(path)
	if err != nil {
		return 0, err
	}
	if err := a.costs.Upsert(ctx, rows); err != nil {
		return 0, err
	}
	a.logger.Info("pricing seeded", "rows", len(rows), "file", path)
	return len(rows), nil
}

// SeedPolicies loads a YAML risk policy file into a workspace.
func (a *App) SeedPolicies(ctx context.Context, workspaceID uuid.UUID, path string) (int, error) {
	if _, err := a.db.GetWorkspace(ctx, workspaceID); err != nil {
		return 0, fmt.Errorf("workspace %s: %w", workspaceID, err)
	}
	policies, err := risk.LoadPolicyFile(path, workspaceID)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if _, err := a.db.InsertRiskPolicy(ctx, p); err != nil {
			return 0, err
		}
	}
	a.logger.Info("risk policies seeded", "workspace_id", workspaceID, "policies", len(policies))
	return len(policies), nil
}

// CreateWorkspace provisions a workspace on a tier with its first API key.
func (a *App) CreateWorkspace(ctx context.Context, name, tierName string) (Workspace, APIKey, error) {
	if tierName == "" {
		tierName = model.TierFree
	}
	id := uuid.New()
	t, ok := model.TierBundle(tierName, id)
	if !ok {
		return Workspace{}, APIKey{}, fmt.Errorf("unknown tier %q", tierName)
	}
	minted, err := auth.MintAPIKey(id, "initial", nil)
	if err != nil {
		return Workspace{}, APIKey{}, err
	}
	ws, err := a.db.CreateWorkspace(ctx, model.Workspace{ID: id, Name: name}, t, minted.APIKey)
	if err != nil {
		return Workspace{}, APIKey{}, err
	}
	a.logger.Info("workspace created", "workspace_id", ws.ID, "tier", t.TierName)
	return Workspace{ID: ws.ID, Name: ws.Name, Tier: t.TierName, CreatedAt: ws.CreatedAt},
		toPublicAPIKey(minted), nil
}

// CreateAPIKey mints a key for a workspace, subject to the tier's key ceiling.
func (a *App) CreateAPIKey(ctx context.Context, workspaceID uuid.UUID, label string, expiresAt *time.Time) (APIKey, error) {
	if err := model.ValidateKeyLabel(label); err != nil {
		return APIKey{}, err
	}
	t, err := a.tiers.Get(ctx, workspaceID)
	if err != nil {
		return APIKey{}, err
	}
	minted, err := auth.MintAPIKey(workspaceID, label, expiresAt)
	if err != nil {
		return APIKey{}, err
	}
	created, err := a.db.CreateAPIKey(ctx, minted.APIKey, t.MaxAPIKeys)
	if err != nil {
		return APIKey{}, tier.QuotaError(t, err)
	}
	minted.APIKey = created
	return toPublicAPIKey(minted), nil
}

// WorkspaceFromContext returns the authenticated caller's workspace inside
// handlers registered with WithExtraRoutes.
func WorkspaceFromContext(ctx context.Context) (uuid.UUID, bool) {
	p, ok := ctxutil.PrincipalFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return p.WorkspaceID, true
}

// atNow adapts a job keyed on wall-clock time to the runner's date-keyed
// signature. The date parameter is ignored.
func atNow(fn func(ctx context.Context, now time.Time) (model.JobSummary, error)) jobs.Func {
	return func(ctx context.Context, _ time.Time) (model.JobSummary, error) {
		return fn(ctx, time.Now().UTC())
	}
}

// ── Adapters ───────────────────────────────────────────────────────────

// controlPublisherAdapter wraps a public ControlPublisher to satisfy
// control.Publisher.
type controlPublisherAdapter struct {
	p ControlPublisher
}

func (a *controlPublisherAdapter) Publish(ctx context.Context, cmd model.ControlCommand) error {
	return a.p.Publish(ctx, toPublicControlCommand(cmd))
}

func (a *controlPublisherAdapter) Close() error { return a.p.Close() }

func toPublicControlCommand(c model.ControlCommand) ControlCommand {
	return ControlCommand{
		WorkspaceID: c.WorkspaceID,
		AgentID:     c.AgentID,
		Action:      string(c.Action),
		AuditID:     c.AuditID,
		State: AgentState{
			IsActive:       c.State.IsActive,
			Model:          c.State.Model,
			ThrottledUntil: c.State.ThrottledUntil,
		},
		IssuedAt: c.IssuedAt,
	}
}

func toPublicJobSummary(s model.JobSummary) JobSummary {
	return JobSummary{
		Job:       s.Job,
		Processed: s.Processed,
		Fired:     s.Fired,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		Remaining: s.Remaining,
		Truncated: s.Truncated,
		StartedAt: s.StartedAt,
		Duration:  time.Duration(s.DurationMS) * time.Millisecond,
	}
}

func toPublicAPIKey(k model.APIKeyWithRawKey) APIKey {
	return APIKey{
		ID:          k.ID,
		WorkspaceID: k.WorkspaceID,
		Prefix:      k.Prefix,
		Label:       k.Label,
		RawKey:      k.RawKey,
		ExpiresAt:   k.ExpiresAt,
	}
}

// contextWithOptionalTimeout applies timeout only when positive, so a zero
// value means wait for the parent context.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
