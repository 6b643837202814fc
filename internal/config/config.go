// Package config loads and validates the relay configuration from defaults,
// an optional TOML file, and RELAY_-prefixed environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the relay's environment variables. A double underscore
// separates config sections, e.g. RELAY_CLAUDE__API_KEY -> claude.api_key.
const envPrefix = "RELAY_"

// Config is the root configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Claude ClaudeConfig `koanf:"claude"`
	Log    LogConfig    `koanf:"log"`
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Listen          string `koanf:"listen" validate:"required,hostname_port"`
	MaxRequestBytes int64  `koanf:"max_request_bytes" validate:"gt=0"`
}

// ClaudeConfig configures the upstream chat client.
type ClaudeConfig struct {
	Provider  string `koanf:"provider" validate:"oneof=anthropic openrouter oneapi"`
	APIKey    string `koanf:"api_key"`
	APIURL    string `koanf:"api_url" validate:"required_if=Provider oneapi,omitempty,url"`
	Model     string `koanf:"model" validate:"required"`
	MaxTokens int    `koanf:"max_tokens" validate:"gt=0"`
	TokenFile string `koanf:"token_file" validate:"required"`
}

// LogConfig configures the log handler installed at startup.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.listen":            "127.0.0.1:8000",
		"server.max_request_bytes": int64(1 << 20),
		"claude.provider":          "anthropic",
		"claude.model":             "claude-3-5-sonnet-20241022",
		"claude.max_tokens":        8192,
		"claude.token_file":        "tokens.json",
		"log.level":                "info",
		"log.format":               "text",
	}
}

// Load reads the configuration. A missing config file is not an error (the
// defaults plus environment carry a minimal setup); a malformed one is.
// environ supplies the process environment, typically os.Environ.
func Load(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:      envPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
