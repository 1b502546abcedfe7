package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CATALOG_URLS", "https://cdn.example.com/catalog.json")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://cdn.example.com/catalog.json"}, cfg.CatalogURLs)
	assert.Equal(t, 5, cfg.TransferCeiling)
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 168*time.Hour, cfg.KeepCachedFor)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.PriorityCaps)
}

func TestLoadConfig_PriorityCaps(t *testing.T) {
	t.Setenv("CATALOG_URLS", "a.json,b.json")
	t.Setenv("PRIORITY_CAPS", "critical:8,low:0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"a.json", "b.json"}, cfg.CatalogURLs)
	assert.Equal(t, map[string]int{"critical": 8, "low": 0}, cfg.PriorityCaps)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing catalogs", env: map[string]string{}},
		{name: "zero ceiling", env: map[string]string{"CATALOG_URLS": "a.json", "TRANSFER_CEILING": "0"}},
		{name: "negative cap", env: map[string]string{"CATALOG_URLS": "a.json", "PRIORITY_CAPS": "high:-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CATALOG_URLS", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
