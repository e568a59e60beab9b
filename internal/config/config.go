package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TANDEM"
	defaultHTTPAddress     = "0.0.0.0:8788"
	defaultAllowedOrigins  = "http://localhost:5173"
	defaultDatabasePath    = "tandem.db"
	defaultLogLevel        = "info"
	defaultTokenTTL        = 12 * time.Hour
	defaultDebounceWindow  = 2 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	defaultFlushBackoff    = 250 * time.Millisecond
	defaultSendBufferDepth = 64
	defaultPresenceTTL     = 60 * time.Second
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	DatabasePath    string
	RedisAddress    string
	PresenceTTL     time.Duration
	SigningSecret   string
	TokenTTL        time.Duration
	DebounceWindow  time.Duration
	IdleTimeout     time.Duration
	FlushBackoff    time.Duration
	SendBufferDepth int
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.http_address", defaultHTTPAddress)
	configViper.SetDefault("server.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("collab.debounce_window", defaultDebounceWindow)
	configViper.SetDefault("collab.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("collab.flush_backoff", defaultFlushBackoff)
	configViper.SetDefault("collab.send_buffer_depth", defaultSendBufferDepth)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("server.http_address"),
		AllowedOrigins:  splitOrigins(configViper.GetString("server.allowed_origins")),
		DatabasePath:    configViper.GetString("database.path"),
		RedisAddress:    configViper.GetString("redis.address"),
		PresenceTTL:     configViper.GetDuration("presence.ttl"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        configViper.GetDuration("auth.token_ttl"),
		DebounceWindow:  configViper.GetDuration("collab.debounce_window"),
		IdleTimeout:     configViper.GetDuration("collab.idle_timeout"),
		FlushBackoff:    configViper.GetDuration("collab.flush_backoff"),
		SendBufferDepth: configViper.GetInt("collab.send_buffer_depth"),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("collab.debounce_window must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("collab.idle_timeout must be positive")
	}
	if c.FlushBackoff <= 0 {
		return fmt.Errorf("collab.flush_backoff must be positive")
	}
	if c.SendBufferDepth <= 0 {
		return fmt.Errorf("collab.send_buffer_depth must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	return nil
}
