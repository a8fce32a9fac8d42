package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"icsuntis/internal/webuntis"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

const (
	defaultListen      = ":3979"
	defaultTimezone    = "Europe/Berlin"
	defaultLogLevel    = "info"
	defaultLogFormat   = "json"
	defaultCacheTTL    = 10 * time.Minute
	defaultRangeMonths = 2
	defaultClientName  = "icsuntis"
	defaultRemapFile   = "remap.yaml"
)

// RemapConfig holds display-name overrides given inline in the config file.
// Entries from remap_file take precedence.
type RemapConfig struct {
	Subjects map[string]string `koanf:"subjects" yaml:"subjects"`
	Rooms    map[string]string `koanf:"rooms" yaml:"rooms"`
	Teachers map[string]string `koanf:"teachers" yaml:"teachers"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `koanf:"listen"`

	// Timezone is the IANA zone lesson times are expressed in.
	Timezone string `koanf:"timezone"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// CacheTTL is how long a generated calendar is served before regeneration.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	RangePastMonths   int `koanf:"range_past_months"`
	RangeFutureMonths int `koanf:"range_future_months"`

	// Refresh is a cron spec (e.g. "*/10 6-18 * * 1-5") for pre-warming the
	// cache with the default credentials. Empty disables it.
	Refresh string `koanf:"refresh"`

	// Default WebUntis identity; query parameters override each field.
	WebUntisServer   string `koanf:"webuntis_server"`
	WebUntisSchool   string `koanf:"webuntis_school"`
	WebUntisUsername string `koanf:"webuntis_username"`
	WebUntisPassword string `koanf:"webuntis_password"`
	WebUntisClient   string `koanf:"webuntis_client"`

	// AdminUsername and AdminPassword enable HTTP Basic Auth on /remap when
	// both are set.
	AdminUsername string `koanf:"admin_username"`
	AdminPassword string `koanf:"admin_password"`

	// RemapFile is where remap edits are persisted.
	RemapFile string `koanf:"remap_file"`

	Remap RemapConfig `koanf:"remap"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            defaultListen,
		Timezone:          defaultTimezone,
		LogLevel:          defaultLogLevel,
		LogFormat:         defaultLogFormat,
		CacheTTL:          defaultCacheTTL,
		RangePastMonths:   defaultRangeMonths,
		RangeFutureMonths: defaultRangeMonths,
		WebUntisClient:    defaultClientName,
		RemapFile:         defaultRemapFile,
	}
}

// Normalize fills in missing or zero values so that partially filled
// configs still behave.
func (c *Config) Normalize() {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = defaultLogFormat
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.WebUntisClient == "" {
		c.WebUntisClient = defaultClientName
	}
	c.Refresh = strings.TrimSpace(c.Refresh)
	c.WebUntisServer = strings.TrimSpace(c.WebUntisServer)
	c.WebUntisSchool = strings.TrimSpace(c.WebUntisSchool)
	c.WebUntisUsername = strings.TrimSpace(c.WebUntisUsername)
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.RangePastMonths < 0 || c.RangeFutureMonths < 0 {
		return fmt.Errorf("%w: range months must not be negative", ErrInvalidConfig)
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("%w: admin_username and admin_password must be set together", ErrInvalidConfig)
	}
	return nil
}

// Credentials returns the configured default WebUntis identity.
func (c *Config) Credentials() webuntis.Credentials {
	return webuntis.Credentials{
		Server:   c.WebUntisServer,
		School:   c.WebUntisSchool,
		Username: c.WebUntisUsername,
		Password: c.WebUntisPassword,
	}
}

// AdminAuthEnabled reports whether /remap is protected.
func (c *Config) AdminAuthEnabled() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}
