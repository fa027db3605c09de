package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "kanshi", "test", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Global no-op providers still hand out usable instruments.
	_, span := Tracer("kanshi/test").Start(context.Background(), "noop")
	span.End()
	c, err := Meter("kanshi/test").Int64Counter("kanshi.test")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}
