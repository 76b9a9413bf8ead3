// Package config loads and validates EVA daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all EVA configuration. Immutable per process after Load.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Memory   MemoryConfig   `yaml:"memory"`
	Model    ModelConfig    `yaml:"model"`
	Insight  InsightConfig  `yaml:"insight"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Speech   SpeechConfig   `yaml:"speech"`
	Children ChildrenConfig `yaml:"children"`
	Trace    TraceConfig    `yaml:"trace"`
	Logging  LoggingConfig  `yaml:"logging"`

	// SecretsFile points at a YAML file of key: value secrets merged at load.
	SecretsFile string `yaml:"secrets_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	ExecutiveURL string `yaml:"executive_url"` // Orchestrator: where /respond lives
	DetectorURL  string `yaml:"detector_url"`  // Orchestrator: detector /infer WS endpoint
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	EnableCORS   bool   `yaml:"enable_cors"`
}

// MemoryConfig configures the memory directory layout.
type MemoryConfig struct {
	Dir string `yaml:"dir"`
}

// ModelConfig configures the language model client.
type ModelConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // hash (default) or genai
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// InsightConfig bounds the /insight endpoint.
type InsightConfig struct {
	CooldownMs   int64  `yaml:"cooldown_ms"`
	MaxFrames    int    `yaml:"max_frames"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	TTSStyle     string `yaml:"tts_style"` // clean or spicy
}

// JobsConfig configures the compaction/promotion scheduler.
type JobsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Compaction JobSpecConfig `yaml:"compaction"`
	Promotion  JobSpecConfig `yaml:"promotion"`
	Timezone   string        `yaml:"timezone"`
}

// JobSpecConfig configures a single scheduled job.
type JobSpecConfig struct {
	Cron     string `yaml:"cron"`
	WindowMs int64  `yaml:"window_ms"`
}

// SpeechConfig configures the TTS proxy on the Orchestrator.
type SpeechConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Voice    string `yaml:"voice"`
	Rate     string `yaml:"rate"`
	MaxChars int    `yaml:"max_chars"`
}

// ChildConfig describes one supervised subprocess.
type ChildConfig struct {
	Name            string   `yaml:"name"`
	Command         []string `yaml:"command"`
	Cwd             string   `yaml:"cwd"`
	HealthURL       string   `yaml:"health_url"`
	ReadyTimeout    string   `yaml:"ready_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// ChildrenConfig lists supervised subprocesses in startup order.
type ChildrenConfig struct {
	Managed []ChildConfig `yaml:"managed"`
}

// TraceConfig points at the hot-reloadable trace sink config file.
type TraceConfig struct {
	ConfigPath string `yaml:"config_path"`
	FilePath   string `yaml:"file_path"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Embedding lives under Memory in the file but is widely consumed, so it is
// surfaced at the top level too.
type configFile struct {
	Config    `yaml:",inline"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         8750,
			MaxBodyBytes: 1 << 20,
		},
		Memory: MemoryConfig{
			Dir: "eva_memory",
		},
		Model: ModelConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "2m",
		},
		Insight: InsightConfig{
			CooldownMs:   5000,
			MaxFrames:    6,
			MaxBodyBytes: 4 << 20,
			TTSStyle:     "clean",
		},
		Jobs: JobsConfig{
			Enabled:    true,
			Compaction: JobSpecConfig{Cron: "@hourly", WindowMs: 60 * 60 * 1000},
			Promotion:  JobSpecConfig{Cron: "@daily"},
			Timezone:   "Local",
		},
		Speech: SpeechConfig{
			Voice:    "en-US-AvaNeural",
			Rate:     "+0%",
			MaxChars: 600,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file, applies defaults, merges secrets and env
// overrides, and validates the result.
func Load(path string) (Config, EmbeddingConfig, error) {
	cf := configFile{Config: DefaultConfig()}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, EmbeddingConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return Config{}, EmbeddingConfig{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg := cf.Config
	emb := cf.Embedding

	if cfg.SecretsFile != "" {
		if err := mergeSecrets(&cfg, &emb, cfg.SecretsFile); err != nil {
			return Config{}, EmbeddingConfig{}, err
		}
	}

	// Env overrides win over file values.
	if v := os.Getenv("EVA_GEMINI_API_KEY"); v != "" {
		cfg.Model.APIKey = v
		if emb.GenAIAPIKey == "" {
			emb.GenAIAPIKey = v
		}
	}
	if v := os.Getenv("EVA_MEMORY_DIR"); v != "" {
		cfg.Memory.Dir = v
	}

	if emb.Provider == "" {
		emb.Provider = "hash"
	}
	if cfg.Trace.FilePath == "" {
		cfg.Trace.FilePath = filepath.Join(cfg.Memory.Dir, "logs", "model_trace.jsonl")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, EmbeddingConfig{}, err
	}
	return cfg, emb, nil
}

// mergeSecrets loads a flat YAML map and fills empty secret fields.
func mergeSecrets(cfg *Config, emb *EmbeddingConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // secrets file is optional
		}
		return fmt.Errorf("failed to read secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = secrets["gemini_api_key"]
	}
	if emb.GenAIAPIKey == "" {
		emb.GenAIAPIKey = secrets["genai_api_key"]
	}
	return nil
}

// Validate checks invariants the rest of the system relies on.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Memory.Dir == "" {
		return fmt.Errorf("memory.dir is required")
	}
	if c.Insight.MaxFrames < 1 {
		return fmt.Errorf("insight.max_frames must be >= 1")
	}
	if c.Insight.MaxFrames > 6 {
		return fmt.Errorf("insight.max_frames must be <= 6")
	}
	switch c.Insight.TTSStyle {
	case "clean", "spicy":
	default:
		return fmt.Errorf("insight.tts_style must be clean or spicy, got %q", c.Insight.TTSStyle)
	}
	if _, err := c.ModelTimeout(); err != nil {
		return err
	}
	return nil
}

// ModelTimeout parses the model timeout duration string.
func (c Config) ModelTimeout() (time.Duration, error) {
	if c.Model.Timeout == "" {
		return 2 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Model.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid model.timeout %q: %w", c.Model.Timeout, err)
	}
	return d, nil
}

// ChildReadyTimeout parses a child's ready timeout with a 30s default.
func (c ChildConfig) ChildReadyTimeout() time.Duration {
	if d, err := time.ParseDuration(c.ReadyTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// ChildShutdownTimeout parses a child's shutdown timeout with a 5s default.
func (c ChildConfig) ChildShutdownTimeout() time.Duration {
	if d, err := time.ParseDuration(c.ShutdownTimeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

// Location resolves the configured jobs timezone.
func (c JobsConfig) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Paths resolves the canonical memory-directory layout.
type Paths struct {
	Dir              string
	WorkingLog       string
	AssetsDir        string
	ShortTermDB      string
	LongTermDir      string
	SemanticDB       string
	VectorDB         string
	CacheDir         string
	ToneCache        string
	ExperienceCache  string
	PersonalityCache string
	TagWhitelist     string
	Persona          string
}

// MemoryPaths returns every path the Executive owns, resolved under dir.
func MemoryPaths(dir string) Paths {
	longTerm := filepath.Join(dir, "long_term_memory_db")
	cache := filepath.Join(dir, "cache")
	return Paths{
		Dir:              dir,
		WorkingLog:       filepath.Join(dir, "working_memory.log"),
		AssetsDir:        filepath.Join(dir, "working_memory_assets"),
		ShortTermDB:      filepath.Join(dir, "short_term_memory.db"),
		LongTermDir:      longTerm,
		SemanticDB:       filepath.Join(longTerm, "semantic_memory.db"),
		VectorDB:         filepath.Join(longTerm, "lancedb", "vectors.db"),
		CacheDir:         cache,
		ToneCache:        filepath.Join(cache, "personality_tone.json"),
		ExperienceCache:  filepath.Join(cache, "core_experiences.json"),
		PersonalityCache: filepath.Join(cache, "core_personality.json"),
		TagWhitelist:     filepath.Join(dir, "experience_tags.json"),
		Persona:          filepath.Join(dir, "persona.md"),
	}
}
