package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/render"
)

type Config struct {
	// Checkpoints
	CheckpointDir     string        `yaml:"checkpoint_dir"`
	CheckpointBackend string        `yaml:"checkpoint_backend"` // file | sqlite
	SQLitePath        string        `yaml:"sqlite_path"`
	RetentionDays     int           `yaml:"retention_days"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`

	// Composition
	OutputDir string `yaml:"output_dir"`
	Theme     string `yaml:"theme"`
	MathJax   bool   `yaml:"mathjax"`

	// Claude assist
	AnthropicAPIKey string  `yaml:"-"`
	AnthropicModel  string  `yaml:"anthropic_model"`
	AssistEnabled   bool    `yaml:"assist_enabled"`
	AssistRPS       float64 `yaml:"assist_rps"`

	// Retry policy
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Segmentation and structure
	MaxConcurrentClassify int    `yaml:"max_concurrent_classify"`
	MaxAssistPerUnit      int    `yaml:"max_assist_per_unit"`
	MinNarrativeSize      int    `yaml:"min_narrative_size"`
	ExerciseAction        string `yaml:"exercise_action"`
	UniformParts          int    `yaml:"uniform_parts"`
	OutlineDepth          int    `yaml:"outline_depth"`

	// HTTP status API
	Port   string `yaml:"port"`
	APIKey string `yaml:"-"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | text

	// PDF
	PDFFallbackPdftotext bool `yaml:"pdf_fallback_pdftotext"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		CheckpointDir:     "checkpoints",
		CheckpointBackend: "file",
		SQLitePath:        "checkpoints/docsum.db",
		RetentionDays:     30,
		LeaseTTL:          24 * time.Hour,

		OutputDir: "output",
		Theme:     render.DefaultTheme,
		MathJax:   true,

		AnthropicModel: "claude-sonnet-4-5-20250929",
		AssistRPS:      2,

		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		BackoffMax:  30 * time.Second,
		CallTimeout: 2 * time.Minute,

		MaxConcurrentClassify: 4,
		MaxAssistPerUnit:      8,
		MinNarrativeSize:      50,
		ExerciseAction:        string(doctree.DefaultExerciseAction),
		UniformParts:          5,
		OutlineDepth:          2,

		Port: "8090",

		LogLevel:  "info",
		LogFormat: "json",

		PDFFallbackPdftotext: true,
	}
}

// Load layers the configuration: defaults, then the YAML file named by
// DOCSUM_CONFIG, then the environment. A .env file in the working
// directory is read into the environment first without overriding it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("DOCSUM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CheckpointDir = envOr("CHECKPOINT_DIR", c.CheckpointDir)
	c.CheckpointBackend = envOr("CHECKPOINT_BACKEND", c.CheckpointBackend)
	c.SQLitePath = envOr("SQLITE_PATH", c.SQLitePath)
	c.RetentionDays = envInt("RETENTION_DAYS", c.RetentionDays)
	c.LeaseTTL = envDuration("LEASE_TTL", c.LeaseTTL)

	c.OutputDir = envOr("OUTPUT_DIR", c.OutputDir)
	c.Theme = envOr("THEME", c.Theme)
	c.MathJax = envBool("MATHJAX", c.MathJax)

	c.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicModel = envOr("ANTHROPIC_MODEL", c.AnthropicModel)
	c.AssistEnabled = envBool("ASSIST_ENABLED", c.AssistEnabled)
	c.AssistRPS = envFloat("ASSIST_RPS", c.AssistRPS)

	c.MaxAttempts = envInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.BackoffBase = envDuration("BACKOFF_BASE", c.BackoffBase)
	c.BackoffMax = envDuration("BACKOFF_MAX", c.BackoffMax)
	c.CallTimeout = envDuration("CALL_TIMEOUT", c.CallTimeout)

	c.MaxConcurrentClassify = envInt("MAX_CONCURRENT_CLASSIFY", c.MaxConcurrentClassify)
	c.MaxAssistPerUnit = envInt("MAX_ASSIST_PER_UNIT", c.MaxAssistPerUnit)
	c.MinNarrativeSize = envInt("MIN_NARRATIVE_SIZE", c.MinNarrativeSize)
	c.ExerciseAction = envOr("EXERCISE_ACTION", c.ExerciseAction)
	c.UniformParts = envInt("UNIFORM_PARTS", c.UniformParts)
	c.OutlineDepth = envInt("OUTLINE_DEPTH", c.OutlineDepth)

	c.Port = envOr("PORT", c.Port)
	c.APIKey = envOr("DOCSUM_API_KEY", c.APIKey)

	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", c.PDFFallbackPdftotext)
}

func (c *Config) applyDefaults() {
	def := Defaults()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxConcurrentClassify <= 0 {
		c.MaxConcurrentClassify = def.MaxConcurrentClassify
	}
	if c.MaxAssistPerUnit <= 0 {
		c.MaxAssistPerUnit = def.MaxAssistPerUnit
	}
	if c.MinNarrativeSize <= 0 {
		c.MinNarrativeSize = def.MinNarrativeSize
	}
	if c.UniformParts <= 0 {
		c.UniformParts = def.UniformParts
	}
	if c.OutlineDepth <= 0 {
		c.OutlineDepth = def.OutlineDepth
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.Theme == "" {
		c.Theme = def.Theme
	}
	if c.ExerciseAction == "" {
		c.ExerciseAction = def.ExerciseAction
	}
}

func (c Config) Validate() error {
	switch c.CheckpointBackend {
	case "file":
		if c.CheckpointDir == "" {
			return fmt.Errorf("CHECKPOINT_DIR is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("CHECKPOINT_BACKEND must be file or sqlite, got %q", c.CheckpointBackend)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	if !slices.Contains(render.Themes, c.Theme) {
		return fmt.Errorf("THEME must be one of %s, got %q", strings.Join(render.Themes, ", "), c.Theme)
	}
	if _, err := doctree.ParseAction(c.ExerciseAction); err != nil {
		return fmt.Errorf("EXERCISE_ACTION: %w", err)
	}
	if c.AssistEnabled && c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when ASSIST_ENABLED is set")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_MAX (%s) is below BACKOFF_BASE (%s)", c.BackoffMax, c.BackoffBase)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Logger builds the process logger on stderr.
func (c Config) Logger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Retention is the age after which checkpoints are pruned; zero disables it.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
