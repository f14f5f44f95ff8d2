package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/cipher/pkg/cipher"
)

// Environment variables that override values from cipher.yml.
const (
	EnvRedisURL     = "CIPHER_REDIS_URL"
	EnvInstanceName = "CIPHER_INSTANCE_NAME"
	EnvListenAddr   = "CIPHER_LISTEN_ADDR"
)

// Defaults applied by Validate.
const (
	DefaultInstanceName = "default"
	DefaultRedisURL     = "redis://localhost:6379"
	DefaultListenAddr   = ":8080"
	DefaultLogLevel     = "info"
)

// CipherConfig represents the top-level cipher.yml configuration
type CipherConfig struct {
	InstanceName string          `yaml:"instance_name"`
	RedisURL     string          `yaml:"redis_url"`
	ListenAddr   string          `yaml:"listen_addr"`
	LogLevel     string          `yaml:"log_level"`
	Generator    GeneratorConfig `yaml:"generator"`
	Fallback     FallbackConfig  `yaml:"fallback"`
	Limits       LimitsConfig    `yaml:"limits"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Narrative    NarrativeConfig `yaml:"narrative"`
	Fanout       FanoutConfig    `yaml:"fanout"`
}

// GeneratorConfig configures the content generator and its collaborators.
// Empty URLs disable generation, so every puzzle comes from the fallback pool.
type GeneratorConfig struct {
	TimeoutMs         int                           `yaml:"timeout_ms"`
	EventSourceURL    string                        `yaml:"event_source_url"`
	AuthorURL         string                        `yaml:"author_url"`
	DifficultyWeights map[cipher.Difficulty]float64 `yaml:"difficulty_weights,omitempty"`
	FormatWeights     map[cipher.Format]float64     `yaml:"format_weights,omitempty"`
	FingerprintTTL    time.Duration                 `yaml:"fingerprint_ttl"`
}

// Timeout returns the generation deadline.
func (g GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// FallbackConfig sizes the reserve pool.
type FallbackConfig struct {
	Floor         int    `yaml:"floor"`
	Ceiling       int    `yaml:"ceiling"`
	TemplatesFile string `yaml:"templates_file,omitempty"` // Empty uses the embedded templates
}

// LimitsConfig holds the per-participant rate limits.
type LimitsConfig struct {
	Guess RateRule `yaml:"guess"`
	Vote  RateRule `yaml:"vote"`
}

// RateRule allows Max actions per sliding Window.
type RateRule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// SchedulerConfig controls the lifecycle loop.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	LockdownWindow time.Duration `yaml:"lockdown_window"`
	MaxActive      int           `yaml:"max_active"`
}

// NarrativeConfig sets the thread unlock and endgame thresholds.
type NarrativeConfig struct {
	UnlockThreshold  int `yaml:"unlock_threshold"`
	EndgameThreshold int `yaml:"endgame_threshold"`
}

// FanoutConfig bounds realtime delivery.
type FanoutConfig struct {
	MaxObservers int `yaml:"max_observers"`
	StreamLength int `yaml:"stream_length"`
}

// Default returns a configuration with every default applied.
func Default() *CipherConfig {
	c := &CipherConfig{}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate applies defaults to unset fields and rejects invalid values
func (c *CipherConfig) Validate() error {
	if c.InstanceName == "" {
		c.InstanceName = DefaultInstanceName
	}
	if strings.ContainsAny(c.InstanceName, ": ") {
		return fmt.Errorf("instance_name must not contain ':' or spaces: %q", c.InstanceName)
	}
	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if err := c.Generator.validate(); err != nil {
		return err
	}
	if err := c.Fallback.validate(); err != nil {
		return err
	}
	if err := c.Limits.Guess.validate("limits.guess", 5, time.Minute); err != nil {
		return err
	}
	if err := c.Limits.Vote.validate("limits.vote", 10, time.Minute); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}

	if c.Narrative.UnlockThreshold == 0 {
		c.Narrative.UnlockThreshold = 50
	}
	if c.Narrative.EndgameThreshold == 0 {
		c.Narrative.EndgameThreshold = 200
	}
	if c.Narrative.UnlockThreshold < 1 || c.Narrative.EndgameThreshold < 1 {
		return fmt.Errorf("narrative thresholds must be >= 1")
	}

	if c.Fanout.MaxObservers == 0 {
		c.Fanout.MaxObservers = 100
	}
	if c.Fanout.StreamLength == 0 {
		c.Fanout.StreamLength = 500
	}
	if c.Fanout.MaxObservers < 1 || c.Fanout.StreamLength < 1 {
		return fmt.Errorf("fanout.max_observers and fanout.stream_length must be >= 1")
	}

	return nil
}

func (g *GeneratorConfig) validate() error {
	if g.TimeoutMs == 0 {
		g.TimeoutMs = 30000
	}
	if g.TimeoutMs < 0 {
		return fmt.Errorf("generator.timeout_ms must be > 0, got %d", g.TimeoutMs)
	}
	if g.FingerprintTTL == 0 {
		g.FingerprintTTL = 30 * 24 * time.Hour
	}
	if g.FingerprintTTL < 0 {
		return fmt.Errorf("generator.fingerprint_ttl must be > 0")
	}
	if (g.EventSourceURL == "") != (g.AuthorURL == "") {
		return fmt.Errorf("generator.event_source_url and generator.author_url must be set together")
	}
	for d, w := range g.DifficultyWeights {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("generator.difficulty_weights: %w", err)
		}
		if w < 0 {
			return fmt.Errorf("generator.difficulty_weights[%s] must be >= 0", d)
		}
	}
	for f, w := range g.FormatWeights {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("generator.format_weights: %w", err)
		}
		if w < 0 {
			return fmt.Errorf("generator.format_weights[%s] must be >= 0", f)
		}
	}
	return nil
}

func (f *FallbackConfig) validate() error {
	if f.Floor == 0 {
		f.Floor = 5
	}
	if f.Ceiling == 0 {
		f.Ceiling = 15
	}
	if f.Floor < 1 {
		return fmt.Errorf("fallback.floor must be >= 1, got %d", f.Floor)
	}
	if f.Ceiling < f.Floor {
		return fmt.Errorf("fallback.ceiling (%d) must be >= fallback.floor (%d)", f.Ceiling, f.Floor)
	}
	if f.TemplatesFile != "" {
		if _, err := os.Stat(f.TemplatesFile); os.IsNotExist(err) {
			return fmt.Errorf("fallback templates file does not exist: %s", f.TemplatesFile)
		}
	}
	return nil
}

func (r *RateRule) validate(name string, defMax int, defWindow time.Duration) error {
	if r.Max == 0 {
		r.Max = defMax
	}
	if r.Window == 0 {
		r.Window = defWindow
	}
	if r.Max < 1 {
		return fmt.Errorf("%s.max must be >= 1, got %d", name, r.Max)
	}
	if r.Window < time.Second {
		return fmt.Errorf("%s.window must be at least 1s, got %s", name, r.Window)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.TickInterval == 0 {
		s.TickInterval = 5 * time.Second
	}
	if s.LockdownWindow == 0 {
		s.LockdownWindow = 10 * time.Second
	}
	if s.MaxActive == 0 {
		s.MaxActive = 6
	}
	if s.TickInterval < 0 || s.LockdownWindow < 0 || s.MaxActive < 1 {
		return fmt.Errorf("scheduler values must be positive")
	}
	// At least one tick must land inside every lockdown window
	if s.TickInterval >= s.LockdownWindow {
		return fmt.Errorf("scheduler.tick_interval (%s) must be shorter than scheduler.lockdown_window (%s)",
			s.TickInterval, s.LockdownWindow)
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level: %s (must be 'debug', 'info', 'warn' or 'error')", s)
	}
	return level, nil
}

// applyEnv overrides fields from the environment.
func (c *CipherConfig) applyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvInstanceName); v != "" {
		c.InstanceName = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
}

// Load reads cipher.yml from the specified path, applies environment
// overrides and validates the result. An empty path loads defaults.
func Load(path string) (*CipherConfig, error) {
	var config CipherConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
