package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "ICSUNTIS_CONFIG"

const (
	envPrefix       = "ICSUNTIS_"
	legacyEnvPrefix = "WEBUNTIS_"

	// Remap keys such as "Bio.LK" contain dots, so "." cannot be the
	// key delimiter.
	keyDelim = "::"
)

// Load builds a Config by layering, lowest precedence first:
//  1. defaults (DefaultConfig)
//  2. YAML file at path, or at $ICSUNTIS_CONFIG when path is empty
//  3. a .env file in the working directory, if any
//  4. legacy env (WEBUNTIS_SERVER, WEBUNTIS_SCHOOL, ...)
//  5. env (prefix ICSUNTIS_)
func Load(path string) (*Config, error) {
	k := koanf.New(keyDelim)

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// Existing env vars win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: .env: %w", ErrLoadConfig, err)
	}

	// WEBUNTIS_SERVER -> webuntis_server
	legacy := env.Provider(legacyEnvPrefix, keyDelim, strings.ToLower)
	if err := k.Load(legacy, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	// ICSUNTIS_CACHE_TTL -> cache_ttl
	envProvider := env.Provider(envPrefix, keyDelim, func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
