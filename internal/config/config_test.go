package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/pkg/cipher"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cipher.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `instance_name: prod
redis_url: redis://cache:6379/2
log_level: debug
generator:
  timeout_ms: 15000
  event_source_url: http://news.local
  author_url: http://author.local
  difficulty_weights:
    easy: 1
    hard: 3
  fingerprint_ttl: 720h
fallback:
  floor: 3
  ceiling: 9
limits:
  guess: {max: 2, window: 30s}
scheduler:
  tick_interval: 2s
  lockdown_window: 15s
  max_active: 4
narrative:
  unlock_threshold: 25
fanout:
  max_observers: 10
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", config.InstanceName)
	assert.Equal(t, "redis://cache:6379/2", config.RedisURL)
	assert.Equal(t, DefaultListenAddr, config.ListenAddr)
	assert.Equal(t, 15*time.Second, config.Generator.Timeout())
	assert.Equal(t, 720*time.Hour, config.Generator.FingerprintTTL)
	assert.Equal(t, 3.0, config.Generator.DifficultyWeights[cipher.DifficultyHard])
	assert.Equal(t, 3, config.Fallback.Floor)
	assert.Equal(t, RateRule{Max: 2, Window: 30 * time.Second}, config.Limits.Guess)
	assert.Equal(t, RateRule{Max: 10, Window: time.Minute}, config.Limits.Vote, "unset rule takes defaults")
	assert.Equal(t, 15*time.Second, config.Scheduler.LockdownWindow)
	assert.Equal(t, 25, config.Narrative.UnlockThreshold)
	assert.Equal(t, 200, config.Narrative.EndgameThreshold)
	assert.Equal(t, 10, config.Fanout.MaxObservers)
	assert.Equal(t, 500, config.Fanout.StreamLength)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
	assert.Equal(t, DefaultInstanceName, config.InstanceName)
	assert.Equal(t, 30*time.Second, config.Generator.Timeout())
	assert.Equal(t, 6, config.Scheduler.MaxActive)
	assert.Equal(t, 5, config.Fallback.Floor)
	assert.Equal(t, 15, config.Fallback.Ceiling)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "instance_name: from-file\nredis_url: redis://file:6379\n")
	t.Setenv(EnvInstanceName, "from-env")
	t.Setenv(EnvRedisURL, "redis://env:6379")
	t.Setenv(EnvListenAddr, ":9999")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.InstanceName)
	assert.Equal(t, "redis://env:6379", config.RedisURL)
	assert.Equal(t, ":9999", config.ListenAddr)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/cipher.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  - this is invalid\n    yaml syntax\n")

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config CipherConfig
		want   string
	}{
		{
			name:   "instance name with colon",
			config: CipherConfig{InstanceName: "a:b"},
			want:   "instance_name must not contain",
		},
		{
			name:   "unknown log level",
			config: CipherConfig{LogLevel: "verbose"},
			want:   "invalid log_level: verbose",
		},
		{
			name:   "half configured generator",
			config: CipherConfig{Generator: GeneratorConfig{AuthorURL: "http://author"}},
			want:   "must be set together",
		},
		{
			name:   "unknown difficulty weight",
			config: CipherConfig{Generator: GeneratorConfig{DifficultyWeights: map[cipher.Difficulty]float64{"insane": 1}}},
			want:   "generator.difficulty_weights",
		},
		{
			name:   "negative format weight",
			config: CipherConfig{Generator: GeneratorConfig{FormatWeights: map[cipher.Format]float64{cipher.FormatText: -1}}},
			want:   "format_weights[text] must be >= 0",
		},
		{
			name:   "ceiling below floor",
			config: CipherConfig{Fallback: FallbackConfig{Floor: 8, Ceiling: 4}},
			want:   "fallback.ceiling (4) must be >= fallback.floor (8)",
		},
		{
			name:   "missing templates file",
			config: CipherConfig{Fallback: FallbackConfig{TemplatesFile: "/nonexistent/templates.yml"}},
			want:   "does not exist",
		},
		{
			name:   "sub-second rate window",
			config: CipherConfig{Limits: LimitsConfig{Vote: RateRule{Max: 3, Window: 500 * time.Millisecond}}},
			want:   "limits.vote.window must be at least 1s",
		},
		{
			name:   "negative guess max",
			config: CipherConfig{Limits: LimitsConfig{Guess: RateRule{Max: -1}}},
			want:   "limits.guess.max must be >= 1",
		},
		{
			name:   "tick not shorter than lockdown",
			config: CipherConfig{Scheduler: SchedulerConfig{TickInterval: 10 * time.Second}},
			want:   "must be shorter than scheduler.lockdown_window",
		},
		{
			name:   "negative thresholds",
			config: CipherConfig{Narrative: NarrativeConfig{UnlockThreshold: -5}},
			want:   "narrative thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
