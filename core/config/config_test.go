package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/telemetry/core/config"
)

type sinkConfig struct {
	URL      string `env:"TELEMETRY_SINK_URL,required"`
	MaxBatch int    `env:"TELEMETRY_SINK_MAX_BATCH" envDefault:"50"`
}

func TestLoadParsesEnvironmentVariables(t *testing.T) {
	config.Reset()
	t.Setenv("TELEMETRY_SINK_URL", "https://collector.example.com/v1/ingest")
	t.Setenv("TELEMETRY_SINK_MAX_BATCH", "25")

	var cfg sinkConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "https://collector.example.com/v1/ingest", cfg.URL)
	assert.Equal(t, 25, cfg.MaxBatch)
}

func TestLoadAppliesEnvDefaultWhenUnset(t *testing.T) {
	config.Reset()
	t.Setenv("TELEMETRY_SINK_URL", "https://collector.example.com/v1/ingest")

	var cfg sinkConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, 50, cfg.MaxBatch)
}

func TestLoadCachesByType(t *testing.T) {
	config.Reset()
	t.Setenv("TELEMETRY_SINK_URL", "https://first.example.com")

	var first sinkConfig
	require.NoError(t, config.Load(&first))

	t.Setenv("TELEMETRY_SINK_URL", "https://second.example.com")
	var second sinkConfig
	require.NoError(t, config.Load(&second))

	assert.Equal(t, first.URL, second.URL, "second Load should return the cached value, not re-read the environment")
}

func TestLoadReturnsErrorWhenRequiredVarMissing(t *testing.T) {
	config.Reset()
	t.Setenv("TELEMETRY_SINK_URL", "")
	require.NoError(t, os.Unsetenv("TELEMETRY_SINK_URL"))

	var cfg sinkConfig
	err := config.Load(&cfg)
	assert.Error(t, err)
}

func TestMustLoadPanicsOnError(t *testing.T) {
	config.Reset()
	t.Setenv("TELEMETRY_SINK_URL", "")
	require.NoError(t, os.Unsetenv("TELEMETRY_SINK_URL"))

	assert.Panics(t, func() {
		var cfg sinkConfig
		config.MustLoad(&cfg)
	})
}
