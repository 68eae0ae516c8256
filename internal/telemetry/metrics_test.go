package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMetricsSingleton(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m)
	require.Same(t, m, GetMetrics())

	// instruments from the global no-op provider must be usable
	require.NotPanics(t, func() {
		m.WorkflowsTotal.Add(context.Background(), 1)
		m.ActiveChannels.Add(context.Background(), -1)
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SampleRatio: 5}
	cfg.ApplyDefaults()
	require.Equal(t, "storefleet", cfg.ServiceName)
	require.Equal(t, 1.0, cfg.SampleRatio)
	require.Equal(t, 10*time.Second, cfg.ExportInterval)
}
