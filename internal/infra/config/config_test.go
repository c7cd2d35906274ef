package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FORWARD_PAIR_MIN_INTERVAL_MS", "")
	t.Setenv("DEDUP_TIME_WINDOW_HOURS", "")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	env := cfg.Env
	assert.Equal(t, 50, env.MaxConcurrencyGlobal)
	assert.Equal(t, 2, env.MaxConcurrencyTarget)
	assert.Equal(t, 1, env.MaxConcurrencyPair)
	assert.Equal(t, 250*time.Millisecond, env.TargetMinInterval)
	assert.Equal(t, 100*time.Millisecond, env.PairMinInterval)
	assert.Equal(t, time.Duration(0), env.GlobalMinInterval)
	assert.InDelta(t, 0.2, env.PacingJitter, 1e-9)
	assert.Equal(t, 24*time.Hour, env.DedupTimeWindow)
	assert.Equal(t, 10*time.Minute, env.TaskLockTTL)
	assert.NotEmpty(t, cfg.warnings)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "FORWARD_MAX_CONCURRENCY_GLOBAL=10\n" +
		"FORWARD_PACING_JITTER=0.5\n" +
		"RETRY_BASE_DELAY=2\n" +
		"RETRY_MAX_DELAY=1\n" +
		"SUMMARY_BATCH_DELAY=250ms\n" +
		"DEDUP_SIMILARITY_THRESHOLD=0.3\n" +
		"DEFAULT_TIMEZONE=UTC+3\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))

	for _, name := range []string{
		"FORWARD_MAX_CONCURRENCY_GLOBAL", "FORWARD_PACING_JITTER", "RETRY_BASE_DELAY",
		"RETRY_MAX_DELAY", "SUMMARY_BATCH_DELAY", "DEDUP_SIMILARITY_THRESHOLD", "DEFAULT_TIMEZONE",
	} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}

	cfg, err := loadConfig(envPath)
	require.NoError(t, err)

	env := cfg.Env
	assert.Equal(t, 10, env.MaxConcurrencyGlobal)
	assert.InDelta(t, 0.5, env.PacingJitter, 1e-9)
	assert.InDelta(t, 2.0, env.RetryMaxDelay, 1e-9, "max delay is raised to base delay")
	assert.Equal(t, 250*time.Millisecond, env.SummaryBatchDelay)
	assert.InDelta(t, 0.85, env.DedupSimilarity, 1e-9, "out of range threshold falls back")
	assert.Equal(t, "UTC+3", env.DefaultTimezone)
}

func TestParseHelpers(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "seconds", value: "90", want: 90 * time.Second},
		{name: "go duration", value: "2m", want: 2 * time.Minute},
		{name: "fraction", value: "0.5", want: 500 * time.Millisecond},
		{name: "invalid", value: "soon", want: time.Hour},
		{name: "negative", value: "-5", want: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			var warnings []string
			got := parseDurationDefault("TEST_DURATION", time.Hour, &warnings)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateTelegram(t *testing.T) {
	t.Parallel()

	assert.Error(t, EnvConfig{}.ValidateTelegram())
	assert.Error(t, EnvConfig{APIID: 1}.ValidateTelegram())
	assert.NoError(t, EnvConfig{APIID: 1, APIHash: "h", PhoneNumber: "+1"}.ValidateTelegram())
}
