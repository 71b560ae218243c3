package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func TestLoadAll_HappyPath_NoRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("GATEWAY_URL", "https://gateway.example.com")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Gateway.URL != "https://gateway.example.com" {
		t.Fatalf("unexpected Gateway.URL: %q", cfg.Gateway.URL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Gateway.Timeout != 15*time.Second {
		t.Fatalf("unexpected Gateway.Timeout default: %v", cfg.Gateway.Timeout)
	}
	if cfg.Engine.Workers != 4 {
		t.Fatalf("unexpected Engine.Workers default: %d", cfg.Engine.Workers)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Fatalf("unexpected Engine.MaxAttempts default: %d", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.BackoffBase != 2*time.Second {
		t.Fatalf("unexpected Engine.BackoffBase default: %v", cfg.Engine.BackoffBase)
	}
	if cfg.Engine.BackoffCap != 300*time.Second {
		t.Fatalf("unexpected Engine.BackoffCap default: %v", cfg.Engine.BackoffCap)
	}
	if cfg.Speeds.Fast != time.Second || cfg.Speeds.Normal != 5*time.Second || cfg.Speeds.Slow != 15*time.Second {
		t.Fatalf("unexpected speed defaults: %+v", cfg.Speeds)
	}
	if cfg.Speeds.RandomMin != 2*time.Second || cfg.Speeds.RandomMax != 10*time.Second {
		t.Fatalf("unexpected random speed defaults: %+v", cfg.Speeds)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("GATEWAY_URL", "https://gateway.example.com")

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected Redis.TTL: %v", cfg.Redis.TTL)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Run("missing POSTGRES_URL", func(t *testing.T) {
		t.Setenv("GATEWAY_URL", "https://gateway.example.com")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "POSTGRES_URL") {
			t.Fatalf("expected error mentioning POSTGRES_URL, got: %v", err)
		}
	})

	t.Run("missing GATEWAY_URL", func(t *testing.T) {
		clearTestEnv(t)

		t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "GATEWAY_URL") {
			t.Fatalf("expected error mentioning GATEWAY_URL, got: %v", err)
		}
	})
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid ENGINE_WORKERS", "ENGINE_WORKERS", "abc"},
		{"invalid ENGINE_MAX_ATTEMPTS", "ENGINE_MAX_ATTEMPTS", "nope"},
		{"invalid ENGINE_RATE_PER_SEC", "ENGINE_RATE_PER_SEC", "x"},
		{"invalid SPEED_FAST_SECONDS", "SPEED_FAST_SECONDS", "fastest"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
			t.Setenv("GATEWAY_URL", "https://gateway.example.com")

			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}

			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "workers <= 0",
			env:  map[string]string{"ENGINE_WORKERS": "0"},
			want: "ENGINE_WORKERS",
		},
		{
			name: "max attempts <= 0",
			env:  map[string]string{"ENGINE_MAX_ATTEMPTS": "-1"},
			want: "ENGINE_MAX_ATTEMPTS",
		},
		{
			name: "poll interval <= 0",
			env:  map[string]string{"ENGINE_POLL_INTERVAL_SECONDS": "0"},
			want: "ENGINE_POLL_INTERVAL_SECONDS",
		},
		{
			name: "random range inverted",
			env: map[string]string{
				"SPEED_RANDOM_MIN_SECONDS": "10",
				"SPEED_RANDOM_MAX_SECONDS": "2",
			},
			want: "SPEED_RANDOM_MAX_SECONDS",
		},
		{
			name: "backoff cap below base",
			env: map[string]string{
				"ENGINE_BACKOFF_BASE_SECONDS": "60",
				"ENGINE_BACKOFF_CAP_SECONDS":  "10",
			},
			want: "ENGINE_BACKOFF_CAP_SECONDS",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
			t.Setenv("GATEWAY_URL", "https://gateway.example.com")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"POSTGRES_URL",
		"GATEWAY_URL",
		"GATEWAY_TIMEOUT_SECONDS",
		"SERVER_ADDRESS",
		"ENGINE_WORKERS",
		"ENGINE_POLL_INTERVAL_SECONDS",
		"ENGINE_MAINTENANCE_INTERVAL_SECONDS",
		"ENGINE_MAX_ATTEMPTS",
		"ENGINE_BACKOFF_BASE_SECONDS",
		"ENGINE_BACKOFF_CAP_SECONDS",
		"ENGINE_STALE_AFTER_SECONDS",
		"ENGINE_RATE_PER_SEC",
		"SPEED_FAST_SECONDS",
		"SPEED_NORMAL_SECONDS",
		"SPEED_SLOW_SECONDS",
		"SPEED_RANDOM_MIN_SECONDS",
		"SPEED_RANDOM_MAX_SECONDS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
