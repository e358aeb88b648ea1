package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "bookkeeper.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "data/intake", cfg.Intake.StorageDir)
	assert.InDelta(t, 2.0, cfg.Anthropic.RateLimitRPS, 0.001)
	assert.Equal(t, 30, cfg.Anthropic.TimeoutSecs)
	assert.Equal(t, "local", cfg.OCR.Provider)
	assert.Equal(t, "pdftotext", cfg.OCR.PdfToTextPath)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetryAttempts)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 5, cfg.Pipeline.PollIntervalSecs)
	assert.Equal(t, 15, cfg.Pipeline.StaleAfterMins)
	assert.Equal(t, int64(1), cfg.Pipeline.LineItemTolerance)
	assert.Equal(t, "CAD", cfg.Pipeline.DefaultCurrency)
	assert.Equal(t, int64(2), cfg.Linker.AmountTolerance)
	assert.Equal(t, 90, cfg.Linker.WindowDays)
	assert.Equal(t, 180, cfg.Linker.MaxAgeDays)
	assert.Equal(t, 25, cfg.Monitoring.ReviewVolumeThreshold)
	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/bookkeeper
pipeline:
  max_retry_attempts: 5
  default_currency: USD
linker:
  window_days: 30
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/bookkeeper", cfg.Store.DatabaseURL)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetryAttempts)
	assert.Equal(t, "USD", cfg.Pipeline.DefaultCurrency)
	assert.Equal(t, 30, cfg.Linker.WindowDays)
	// Unset keys keep their defaults.
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 180, cfg.Linker.MaxAgeDays)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("BOOKKEEPER_STORE_DRIVER", "postgres")
	t.Setenv("BOOKKEEPER_PIPELINE_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "not-a-level"})
	assert.Error(t, err)
}
