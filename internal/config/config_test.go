package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8788" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
	if cfg.DatabasePath != "tandem.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected presence disabled by default, got %q", cfg.RedisAddress)
	}
	if cfg.SigningSecret != "" {
		t.Fatalf("expected empty signing secret by default")
	}
	if cfg.DebounceWindow != 2*time.Second {
		t.Fatalf("unexpected debounce window %s", cfg.DebounceWindow)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("unexpected idle timeout %s", cfg.IdleTimeout)
	}
	if cfg.FlushBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected flush backoff %s", cfg.FlushBackoff)
	}
	if cfg.SendBufferDepth != 64 {
		t.Fatalf("unexpected send buffer depth %d", cfg.SendBufferDepth)
	}
	if cfg.PresenceTTL != 60*time.Second {
		t.Fatalf("unexpected presence ttl %s", cfg.PresenceTTL)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TANDEM_SERVER_HTTP_ADDRESS", "127.0.0.1:9000")
	t.Setenv("TANDEM_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TANDEM_COLLAB_DEBOUNCE_WINDOW", "750ms")
	t.Setenv("TANDEM_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("TANDEM_REDIS_ADDRESS", "localhost:6379")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
	if cfg.DebounceWindow != 750*time.Millisecond {
		t.Fatalf("unexpected debounce window %s", cfg.DebounceWindow)
	}
	if cfg.SigningSecret != "env-secret" {
		t.Fatalf("unexpected signing secret %q", cfg.SigningSecret)
	}
	if cfg.RedisAddress != "localhost:6379" {
		t.Fatalf("unexpected redis address %q", cfg.RedisAddress)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "blank http address", key: "TANDEM_SERVER_HTTP_ADDRESS", value: "   ", want: "server.http_address"},
		{name: "blank database path", key: "TANDEM_DATABASE_PATH", value: "   ", want: "database.path"},
		{name: "zero debounce window", key: "TANDEM_COLLAB_DEBOUNCE_WINDOW", value: "0s", want: "collab.debounce_window"},
		{name: "zero idle timeout", key: "TANDEM_COLLAB_IDLE_TIMEOUT", value: "0s", want: "collab.idle_timeout"},
		{name: "zero flush backoff", key: "TANDEM_COLLAB_FLUSH_BACKOFF", value: "0s", want: "collab.flush_backoff"},
		{name: "zero send buffer depth", key: "TANDEM_COLLAB_SEND_BUFFER_DEPTH", value: "0", want: "collab.send_buffer_depth"},
		{name: "zero presence ttl", key: "TANDEM_PRESENCE_TTL", value: "0s", want: "presence.ttl"},
		{name: "zero token ttl", key: "TANDEM_AUTH_TOKEN_TTL", value: "0s", want: "auth.token_ttl"},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Setenv(testCase.key, testCase.value)
			_, err := Load(NewViper())
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error to name %s, got %v", testCase.want, err)
			}
		})
	}
}
