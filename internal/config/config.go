package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the model backing the assistant and the transcriber.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "google" is the only wired provider
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// LedgerConfig configures the session ledger store.
type LedgerConfig struct {
	// Path to the SQLite database file. Empty uses <home>/helpline.db.
	Path string `yaml:"path"`

	// MaxCommitAttempts bounds the resolve-then-write retry loop on
	// concurrent first-turn races. Default 3.
	MaxCommitAttempts int `yaml:"max_commit_attempts"`

	// BusyTimeoutMS is passed to the SQLite driver. Default 5000.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// TranscribeConfig configures the audio transcription adapter.
type TranscribeConfig struct {
	Model          string `yaml:"model"`
	LanguageCode   string `yaml:"language_code"`
	SampleRateHz   int    `yaml:"sample_rate_hz"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AccumulatorConfig bounds per-session turn buffers.
type AccumulatorConfig struct {
	// MaxTurnBytes caps the combined text+audio bytes buffered for one
	// turn. 0 = unlimited.
	MaxTurnBytes int `yaml:"max_turn_bytes"`

	// IdleTTLMinutes is how long an untouched buffer survives before the
	// janitor sweeps it. Default 30.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`

	// SweepSpec is the cron expression for the janitor. Default "@every 5m".
	SweepSpec string `yaml:"sweep_spec"`
}

// AgentConfigEntry declares a specialist sub-agent routed to by the root agent.
type AgentConfigEntry struct {
	Name            string   `yaml:"name"`
	DisplayName     string   `yaml:"display_name"`
	Description     string   `yaml:"description"`
	Instruction     string   `yaml:"instruction"`
	InstructionFile string   `yaml:"instruction_file"`
	Tools           []string `yaml:"tools"`
}

// DocSearchConfig points at the internal document search service.
type DocSearchConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Corpus    string `yaml:"corpus"`
}

// MailerConfig configures the email summary tool.
type MailerConfig struct {
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
}

// TicketerConfig points at the incident ticket service.
type TicketerConfig struct {
	BaseURL string `yaml:"base_url"`
}

type ToolsConfig struct {
	DocSearch DocSearchConfig `yaml:"doc_search"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Ticketer  TicketerConfig  `yaml:"ticketer"`
}

// RateLimitConfig throttles HTTP and WebSocket upgrade requests per caller.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the REST endpoints.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// OtelConfig controls trace and metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // otlp collector endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken gates the WebSocket endpoint when non-empty. Empty means
	// the endpoint is open (local deployments).
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which browser Origin headers are accepted on
	// WebSocket upgrade. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`

	LLM         LLMConfig         `yaml:"llm"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Transcribe  TranscribeConfig  `yaml:"transcribe"`
	Accumulator AccumulatorConfig `yaml:"accumulator"`
	Tools       ToolsConfig       `yaml:"tools"`
	Otel        OtelConfig        `yaml:"otel"`
	Agents      []AgentConfigEntry `yaml:"agents"`

	// RootInstruction is the raw instruction text for the root agent,
	// loaded from <home>/INSTRUCTION.md when present.
	RootInstruction string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMAPIKey returns the model API key, checking env overrides first.
func (c Config) LLMAPIKey() string {
	for _, envVar := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// LedgerPath returns the resolved SQLite database path.
func (c Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.HomeDir, "helpline.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|model=%s|ledger=%s|agents=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.LLM.Model, c.LedgerPath(), len(c.Agents), c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Ledger: LedgerConfig{
			MaxCommitAttempts: 3,
			BusyTimeoutMS:     5000,
		},
		Transcribe: TranscribeConfig{
			Model:          "gemini-2.5-flash",
			LanguageCode:   "en-US",
			SampleRateHz:   16000,
			TimeoutSeconds: 30,
		},
		Accumulator: AccumulatorConfig{
			MaxTurnBytes:   4 << 20,
			IdleTTLMinutes: 30,
			SweepSpec:      "@every 5m",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("HELPLINE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".helpline")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create helpline home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadInstructionFiles(&cfg)
	normalize(&cfg)
	if err := ValidateAgents(cfg.Agents); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.Ledger.MaxCommitAttempts <= 0 {
		cfg.Ledger.MaxCommitAttempts = 3
	}
	if cfg.Ledger.BusyTimeoutMS <= 0 {
		cfg.Ledger.BusyTimeoutMS = 5000
	}
	if cfg.Transcribe.Model == "" {
		cfg.Transcribe.Model = cfg.LLM.Model
	}
	if cfg.Transcribe.LanguageCode == "" {
		cfg.Transcribe.LanguageCode = "en-US"
	}
	if cfg.Transcribe.SampleRateHz <= 0 {
		cfg.Transcribe.SampleRateHz = 16000
	}
	if cfg.Transcribe.TimeoutSeconds <= 0 {
		cfg.Transcribe.TimeoutSeconds = int((30 * time.Second).Seconds())
	}
	if cfg.Accumulator.IdleTTLMinutes <= 0 {
		cfg.Accumulator.IdleTTLMinutes = 30
	}
	if strings.TrimSpace(cfg.Accumulator.SweepSpec) == "" {
		cfg.Accumulator.SweepSpec = "@every 5m"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HELPLINE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HELPLINE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HELPLINE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("HELPLINE_LEDGER_PATH"); raw != "" {
		cfg.Ledger.Path = raw
	}
	if raw := os.Getenv("HELPLINE_MAX_COMMIT_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ledger.MaxCommitAttempts = v
		}
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("HELPLINE_OTEL_ENABLED"); raw != "" {
		cfg.Otel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("HELPLINE_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// loadInstructionFiles resolves instruction_file references and the root
// instruction relative to the home directory.
func loadInstructionFiles(cfg *Config) {
	rootPath := filepath.Join(cfg.HomeDir, "INSTRUCTION.md")
	if b, err := os.ReadFile(rootPath); err == nil {
		cfg.RootInstruction = string(b)
	}

	for i := range cfg.Agents {
		if cfg.Agents[i].Instruction != "" || cfg.Agents[i].InstructionFile == "" {
			continue
		}
		path := cfg.Agents[i].InstructionFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		if b, err := os.ReadFile(path); err == nil {
			cfg.Agents[i].Instruction = string(b)
		}
	}
}
