// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (PARLEY_* plus DATABASE_URL)
//  2. Config file (~/.parley/config.yaml, or ./config.yaml)
//  3. Default values
//
// Sensitive data (the PostgreSQL password) is masked in MarshalJSON and
// String, so a Config can be logged safely.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for validation, checked with errors.Is().
var (
	ErrInvalidServerAddr     = errors.New("invalid server address")
	ErrInvalidOllamaHost     = errors.New("invalid ollama host")
	ErrInvalidModel          = errors.New("invalid model name")
	ErrInvalidPostgresHost   = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort   = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")
	ErrInvalidPostgresSSL    = errors.New("invalid PostgreSQL SSL mode")
	ErrInvalidTitleLength    = errors.New("invalid title max length")
	ErrInvalidMessageLimit   = errors.New("invalid max message chars")
	ErrInvalidIdleTimeout    = errors.New("invalid stream idle timeout")
	ErrInvalidRateLimit      = errors.New("invalid rate limit")
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// HTTP server
	ServerAddr  string   `mapstructure:"server_addr" json:"server_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For behind a reverse proxy
	RateLimit   float64  `mapstructure:"rate_limit" json:"rate_limit"`   // requests per second per client IP
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Model runtime
	OllamaHost     string   `mapstructure:"ollama_host" json:"ollama_host"`
	Model          string   `mapstructure:"model" json:"model"`
	SystemPrompt   string   `mapstructure:"system_prompt" json:"system_prompt"`
	FallbackModels []string `mapstructure:"fallback_models" json:"fallback_models"`

	// Conversation behavior
	TitleMaxLength    int           `mapstructure:"title_max_length" json:"title_max_length"`
	TitlePlaceholder  string        `mapstructure:"title_placeholder" json:"title_placeholder"`
	MaxMessageChars   int           `mapstructure:"max_message_chars" json:"max_message_chars"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout" json:"stream_idle_timeout"`

	// Storage (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".parley")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "127.0.0.1:8080")
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_limit", 10.0)
	v.SetDefault("rate_burst", 20)

	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("model", "llama3.2")
	v.SetDefault("system_prompt", "")
	v.SetDefault("fallback_models", []string{"llama3.2"})

	v.SetDefault("title_max_length", 60)
	v.SetDefault("title_placeholder", "New conversation")
	v.SetDefault("max_message_chars", 64*1024)
	v.SetDefault("stream_idle_timeout", "90s")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_password", "parley_dev_password")
	v.SetDefault("postgres_db_name", "parley")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds PARLEY_* environment overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded strings can't fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("server_addr", "PARLEY_SERVER_ADDR")
	mustBind("cors_origins", "PARLEY_CORS_ORIGINS")
	mustBind("trust_proxy", "PARLEY_TRUST_PROXY")
	mustBind("ollama_host", "PARLEY_OLLAMA_HOST")
	mustBind("model", "PARLEY_MODEL")
	mustBind("system_prompt", "PARLEY_SYSTEM_PROMPT")
	mustBind("stream_idle_timeout", "PARLEY_STREAM_IDLE_TIMEOUT")
	mustBind("postgres_host", "PARLEY_POSTGRES_HOST")
	mustBind("postgres_port", "PARLEY_POSTGRES_PORT")
	mustBind("postgres_user", "PARLEY_POSTGRES_USER")
	mustBind("postgres_password", "PARLEY_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "PARLEY_POSTGRES_DB_NAME")
	mustBind("postgres_ssl_mode", "PARLEY_POSTGRES_SSL_MODE")
	mustBind("log_level", "PARLEY_LOG_LEVEL")
	mustBind("log_json", "PARLEY_LOG_JSON")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid substring matching against real secret characters.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones show the first and last 2 characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
