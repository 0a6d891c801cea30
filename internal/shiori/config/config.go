// Package config loads Shiori's configuration.
//
// Values come from an optional YAML file and are then overridden by
// environment variables, so secrets never need to live in the file:
//
//	SHIORI_DATA_DIR          - memory files root (default: ./data/memory)
//	SHIORI_DB_PATH           - SQLite database (default: ./data/shiori.db)
//	SHIORI_SESSION_TIMEOUT   - discussion inactivity timeout (default: 30m)
//	SHIORI_TOKEN_BUDGET      - completion tokens per user per day (default: 200000)
//	SHIORI_CONTEXT_TOKENS    - prompt budget for discussion replies (default: 3000)
//	SHIORI_HTTP_ADDR         - health/status listener, e.g. ":8080" (default: disabled)
//	LOG_LEVEL                - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT               - "text" or "json" (default: "text")
//	LLM_API_KEY              - API key for the completion service
//	LLM_BASE_URL             - OpenAI-compatible base URL
//	LLM_MODEL                - model name (default: gpt-4o-mini)
//	LLM_MAX_TOKENS           - max tokens per response
//	TELEGRAM_BOT_TOKEN       - enables the Telegram channel
//	TELEGRAM_ALLOW_FROM      - comma-separated Telegram user IDs
//	MATRIX_HOMESERVER        - enables the Matrix channel together with the two below
//	MATRIX_USER_ID
//	MATRIX_ACCESS_TOKEN
//	MATRIX_ALLOW_FROM        - comma-separated Matrix user IDs
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Shiori/common/environment"
	"github.com/bdobrica/Shiori/common/redact"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	// HTTPAddr enables the health/status server when non-empty.
	HTTPAddr string `yaml:"http_addr"`

	LLM        LLMConfig        `yaml:"llm"`
	Session    SessionConfig    `yaml:"session"`
	Memory     MemoryConfig     `yaml:"memory"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Retry      RetryConfig      `yaml:"retry"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Matrix     MatrixConfig     `yaml:"matrix"`
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	APIKey           string        `yaml:"api_key"`
	BaseURL          string        `yaml:"base_url"`
	Model            string        `yaml:"model"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	DailyTokenBudget int           `yaml:"daily_token_budget"`
}

// SessionConfig configures the per-user session actors.
type SessionConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MailboxSize int           `yaml:"mailbox_size"`
	MaxMessages int           `yaml:"max_messages"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`
}

// MemoryConfig configures the per-user memory stores.
type MemoryConfig struct {
	DurableThreshold float64       `yaml:"durable_threshold"`
	WordBudget       int           `yaml:"word_budget"`
	Retention        time.Duration `yaml:"retention"`
	RecentDays       int           `yaml:"recent_days"`
	RecentLimit      int           `yaml:"recent_limit"`
	ContextMatches   int           `yaml:"context_matches"`
}

// PromptConfig sizes the assembled discussion prompt.
type PromptConfig struct {
	// MaxTokens bounds the whole assembled payload.
	MaxTokens int `yaml:"max_tokens"`
	// MemoryTokens bounds the memory context pulled for one reply.
	MemoryTokens int `yaml:"memory_tokens"`
}

// ExtractionConfig configures the memory extraction loop.
type ExtractionConfig struct {
	MaxToolCalls int    `yaml:"max_tool_calls"`
	AllowDelete  bool   `yaml:"allow_delete"`
	Model        string `yaml:"model"`
}

// RetryConfig bounds retries of completion and delivery calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from"`
}

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	AllowFrom   []string `yaml:"allow_from"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DataDir:      "./data/memory",
		DatabasePath: "./data/shiori.db",
		LogLevel:     "info",
		LogFormat:    "text",
		LLM: LLMConfig{
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4o-mini",
			Timeout:          60 * time.Second,
			DailyTokenBudget: 200_000,
		},
		Session: SessionConfig{
			Timeout:     30 * time.Minute,
			MailboxSize: 32,
			MaxMessages: 200,
			IdleTTL:     10 * time.Minute,
		},
		Memory: MemoryConfig{
			DurableThreshold: 0.7,
			WordBudget:       2000,
			Retention:        90 * 24 * time.Hour,
			RecentDays:       7,
			RecentLimit:      20,
			ContextMatches:   8,
		},
		Prompt: PromptConfig{
			MaxTokens:    3000,
			MemoryTokens: 800,
		},
		Extraction: ExtractionConfig{
			MaxToolCalls: 20,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	environment.OverrideString(&c.DataDir, "SHIORI_DATA_DIR")
	environment.OverrideString(&c.DatabasePath, "SHIORI_DB_PATH")
	environment.OverrideDuration(&c.Session.Timeout, "SHIORI_SESSION_TIMEOUT")
	environment.OverrideInt(&c.LLM.DailyTokenBudget, "SHIORI_TOKEN_BUDGET")
	environment.OverrideInt(&c.Prompt.MaxTokens, "SHIORI_CONTEXT_TOKENS")
	environment.OverrideString(&c.HTTPAddr, "SHIORI_HTTP_ADDR")
	environment.OverrideString(&c.LogLevel, "LOG_LEVEL")
	environment.OverrideString(&c.LogFormat, "LOG_FORMAT")

	environment.OverrideString(&c.LLM.APIKey, "LLM_API_KEY")
	environment.OverrideString(&c.LLM.BaseURL, "LLM_BASE_URL")
	environment.OverrideString(&c.LLM.Model, "LLM_MODEL")
	environment.OverrideInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")

	if environment.OverrideString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN") {
		c.Telegram.Enabled = true
	}
	environment.OverrideStringSlice(&c.Telegram.AllowFrom, "TELEGRAM_ALLOW_FROM")

	hs := environment.OverrideString(&c.Matrix.Homeserver, "MATRIX_HOMESERVER")
	uid := environment.OverrideString(&c.Matrix.UserID, "MATRIX_USER_ID")
	tok := environment.OverrideString(&c.Matrix.AccessToken, "MATRIX_ACCESS_TOKEN")
	if hs && uid && tok {
		c.Matrix.Enabled = true
	}
	environment.OverrideStringSlice(&c.Matrix.AllowFrom, "MATRIX_ALLOW_FROM")
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.Session.MailboxSize <= 0 {
		errs = append(errs, errors.New("session.mailbox_size must be positive"))
	}
	if t := c.Memory.DurableThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("memory.durable_threshold %.2f must be in (0, 1]", t))
	}
	if c.Memory.WordBudget <= 0 {
		errs = append(errs, errors.New("memory.word_budget must be positive"))
	}
	if c.Prompt.MaxTokens <= 0 || c.Prompt.MemoryTokens <= 0 {
		errs = append(errs, errors.New("prompt.max_tokens and prompt.memory_tokens must be positive"))
	} else if c.Prompt.MemoryTokens > c.Prompt.MaxTokens {
		errs = append(errs, errors.New("prompt.memory_tokens cannot exceed prompt.max_tokens"))
	}
	if c.Extraction.MaxToolCalls <= 0 {
		errs = append(errs, errors.New("extraction.max_tool_calls must be positive"))
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
	}
	if c.Matrix.Enabled && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Dump renders the configuration as YAML with every secret redacted.
func (c Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return redact.String(string(out), c.LLM.APIKey, c.Telegram.Token, c.Matrix.AccessToken), nil
}
