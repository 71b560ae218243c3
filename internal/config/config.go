package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Engine   EngineConfig
	Speeds   SpeedConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type GatewayConfig struct {
	URL     string
	Timeout time.Duration
}

type EngineConfig struct {
	Workers             int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	StaleAfter          time.Duration
	RatePerSec          int
}

// SpeedConfig holds the pacing delays in whole seconds; fractional paces have
// never been needed in practice.
type SpeedConfig struct {
	Fast      time.Duration
	Normal    time.Duration
	Slow      time.Duration
	RandomMin time.Duration
	RandomMax time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error

	collect := func(key string, load func() error) {
		if err := load(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
	}

	collect("POSTGRES_URL", func() error {
		v, err := requireEnv("POSTGRES_URL")
		cfg.Database.PostgresURL = v
		return err
	})
	collect("GATEWAY_URL", func() error {
		v, err := requireEnv("GATEWAY_URL")
		cfg.Gateway.URL = v
		return err
	})

	seconds := func(key string, def int, dst *time.Duration) {
		collect(key, func() error {
			n, err := getEnvInt(key, def)
			if err != nil {
				return err
			}
			if n <= 0 {
				return fmt.Errorf("must be > 0, got %d", n)
			}
			*dst = time.Duration(n) * time.Second
			return nil
		})
	}
	count := func(key string, def int, dst *int) {
		collect(key, func() error {
			n, err := getEnvInt(key, def)
			if err != nil {
				return err
			}
			if n <= 0 {
				return fmt.Errorf("must be > 0, got %d", n)
			}
			*dst = n
			return nil
		})
	}

	seconds("GATEWAY_TIMEOUT_SECONDS", 15, &cfg.Gateway.Timeout)

	count("ENGINE_WORKERS", 4, &cfg.Engine.Workers)
	count("ENGINE_MAX_ATTEMPTS", 3, &cfg.Engine.MaxAttempts)
	count("ENGINE_RATE_PER_SEC", 10, &cfg.Engine.RatePerSec)
	seconds("ENGINE_POLL_INTERVAL_SECONDS", 1, &cfg.Engine.PollInterval)
	seconds("ENGINE_MAINTENANCE_INTERVAL_SECONDS", 30, &cfg.Engine.MaintenanceInterval)
	seconds("ENGINE_BACKOFF_BASE_SECONDS", 2, &cfg.Engine.BackoffBase)
	seconds("ENGINE_BACKOFF_CAP_SECONDS", 300, &cfg.Engine.BackoffCap)
	seconds("ENGINE_STALE_AFTER_SECONDS", 300, &cfg.Engine.StaleAfter)

	seconds("SPEED_FAST_SECONDS", 1, &cfg.Speeds.Fast)
	seconds("SPEED_NORMAL_SECONDS", 5, &cfg.Speeds.Normal)
	seconds("SPEED_SLOW_SECONDS", 15, &cfg.Speeds.Slow)
	seconds("SPEED_RANDOM_MIN_SECONDS", 2, &cfg.Speeds.RandomMin)
	seconds("SPEED_RANDOM_MAX_SECONDS", 10, &cfg.Speeds.RandomMax)

	if cfg.Speeds.RandomMax < cfg.Speeds.RandomMin {
		errs = append(errs, errors.New("SPEED_RANDOM_MAX_SECONDS must be >= SPEED_RANDOM_MIN_SECONDS"))
	}
	if cfg.Engine.BackoffCap < cfg.Engine.BackoffBase {
		errs = append(errs, errors.New("ENGINE_BACKOFF_CAP_SECONDS must be >= ENGINE_BACKOFF_BASE_SECONDS"))
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Redis = redisCfg
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttlSeconds, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
