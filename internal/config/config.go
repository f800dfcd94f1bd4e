package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	DataDir  string         `json:"data_dir" env:"PARLOR_DATA_DIR"`
	Upstream UpstreamConfig `json:"upstream"`
	Chat     ChatConfig     `json:"chat"`
	Database DatabaseConfig `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port" env:"PARLOR_SERVER_PORT"`
	LogLevel string `json:"log_level" env:"PARLOR_SERVER_LOG_LEVEL"`
}

type UpstreamConfig struct {
	Endpoint       string `json:"endpoint" env:"PARLOR_UPSTREAM_ENDPOINT"`
	Model          string `json:"model" env:"PARLOR_UPSTREAM_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"PARLOR_UPSTREAM_TIMEOUT_SECONDS"`
}

type ChatConfig struct {
	DefaultPersona string `json:"default_persona" env:"PARLOR_CHAT_DEFAULT_PERSONA"`
	MemoryRounds   int    `json:"memory_rounds" env:"PARLOR_CHAT_MEMORY_ROUNDS"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" env:"PARLOR_DATABASE_POSTGRES_DSN"`
}

type RedisConfig struct {
	URL string `json:"url" env:"PARLOR_DATABASE_REDIS_URL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080, LogLevel: "development"},
		DataDir: "data",
		Upstream: UpstreamConfig{
			Endpoint:       "https://api.deepseek.com/v1",
			Model:          "deepseek-chat",
			TimeoutSeconds: 30,
		},
		Chat: ChatConfig{
			DefaultPersona: "default_prompt",
			MemoryRounds:   6,
		},
	}
}

// Timeout returns the upstream timeout as a duration.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Directories under DataDir.
func (c *Config) CredentialDir() string { return filepath.Join(c.DataDir, "config") }
func (c *Config) PersonaDir() string    { return filepath.Join(c.DataDir, "prompts") }
func (c *Config) SaveDir() string       { return filepath.Join(c.DataDir, "save") }
func (c *Config) ResourceDir() string   { return filepath.Join(c.DataDir, "resource") }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults, substituting
// environment variable references, then applies PARLOR_* overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		// Substitute ${VAR} and ${VAR:default} with environment values.
		resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
			parts := envVarRe.FindStringSubmatch(match)
			name := parts[1]
			defaultVal := parts[2]
			if v := os.Getenv(name); v != "" {
				return v
			}
			return defaultVal
		})
		if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Upstream.Endpoint == "" {
		return errors.New("upstream.endpoint is required")
	}
	if c.Chat.DefaultPersona == "" {
		return errors.New("chat.default_persona is required")
	}
	if c.Chat.MemoryRounds < 0 {
		c.Chat.MemoryRounds = 0
	}
	return nil
}
