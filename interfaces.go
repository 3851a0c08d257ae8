package kansoku

import (
	"context"
	"net/http"
)

// ControlPublisher receives control commands after an intervention commits.
// When provided via WithControlPublisher, it replaces the Kafka publisher
// selected by KANSOKU_KAFKA_BROKERS. Commands reach it in order from a
// background queue; Publish failures are logged and never roll back the
// intervention.
type ControlPublisher interface {
	Publish(ctx context.Context, cmd ControlCommand) error
	Close() error
}

// RouteRegistrar adds routes to the shared HTTP mux. Routes outside
// /health, /auth and /internal sit behind API key or JWT auth; handlers
// read the caller's workspace with WorkspaceFromContext.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the full handler chain.
type Middleware func(http.Handler) http.Handler
