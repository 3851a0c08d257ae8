package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "kansoku", Version: "test", Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	counter, err := telemetry.Meter("test").Int64Counter("kansoku.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := telemetry.Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestResource_IdentifiesKansoku(t *testing.T) {
	res, err := telemetry.Resource(context.Background(), telemetry.Config{
		ServiceName: "kansoku-jobs",
		Version:     "1.2.3",
		Environment: "staging",
	})
	require.NoError(t, err)

	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "kansoku-jobs", got["service.name"])
	assert.Equal(t, "kansoku", got["service.namespace"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.Equal(t, "staging", got["deployment.environment"])
	assert.NotEmpty(t, got["host.name"])
}

func TestResource_DefaultsServiceName(t *testing.T) {
	res, err := telemetry.Resource(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "kansoku", got["service.name"])
	_, ok := got["deployment.environment"]
	assert.False(t, ok)
}

func TestScope(t *testing.T) {
	assert.Equal(t, "kansoku/risk", telemetry.Scope("risk"))
}
