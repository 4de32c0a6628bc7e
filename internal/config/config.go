package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend   string // "in_memory", "memcached" or "redis"
	CacheTTL       time.Duration
	CoalesceMisses bool
	WarmOnStart    bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisURL string

	StoreDriver string // "sqlite" or "postgres"
	StoreDSN    string

	RefreshInterval       time.Duration
	RefreshCron           string
	RefreshRunOnStart     bool
	RefreshConcurrency    int
	RefreshRetryAttempts  int
	RefreshRetryBaseDelay time.Duration
	RefreshRetryMaxDelay  time.Duration
	RefreshTimeout        time.Duration

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	KafkaBrokers []string // empty disables event publishing
	KafkaTopic   string

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	HealthUpstreamWindow   time.Duration
	HealthUpstreamErrorPct int
	HealthRecoveryInitial  time.Duration
	HealthRecoveryMax      time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend        string `yaml:"backend"`
		TTL            string `yaml:"ttl"`
		CoalesceMisses *bool  `yaml:"coalesce_misses"`
		WarmOnStart    *bool  `yaml:"warm_on_start"`
		Memcached      struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			URL string `yaml:"url"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	Refresh struct {
		Interval       string `yaml:"interval"`
		Cron           string `yaml:"cron"`
		RunOnStart     bool   `yaml:"run_on_start"`
		Concurrency    int    `yaml:"concurrency"`
		RetryAttempts  *int   `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		RetryMaxDelay  string `yaml:"retry_max_delay"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"refresh"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Events struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"events"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		UpstreamWindow   string `yaml:"upstream_window"`
		UpstreamErrorPct int    `yaml:"upstream_error_pct"`
		RecoveryInitial  string `yaml:"recovery_initial"`
		RecoveryMax      string `yaml:"recovery_max"`
	} `yaml:"health"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. Env vars override file values. Call from project root.
// A missing API key is not an error; the weather client rejects calls instead.
func Load() (*Config, error) {
	// .env is optional and never overrides variables already set.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.TestingMode = boolOr(fc.TestingMode, false)

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey, err = loadAPIKey(cwd)
	if err != nil {
		return nil, err
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, time.Hour)
	cfg.CoalesceMisses = boolOr(fc.Cache.CoalesceMisses, true)
	cfg.WarmOnStart = boolOr(fc.Cache.WarmOnStart, true)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fc.Cache.Redis.URL, "redis://localhost:6379/0")

	dsnFromEnv := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.StoreDSN = firstNonEmpty(dsnFromEnv, fc.Store.DSN, "cities.db")
	cfg.StoreDriver = strings.ToLower(firstNonEmpty(os.Getenv("STORE_DRIVER"), fc.Store.Driver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite"
		if strings.HasPrefix(dsnFromEnv, "postgres://") || strings.HasPrefix(dsnFromEnv, "postgresql://") {
			cfg.StoreDriver = "postgres"
		}
	}

	cfg.RefreshInterval = parseDurationOrZero(fc.Refresh.Interval, time.Hour)
	cfg.RefreshCron = strings.TrimSpace(fc.Refresh.Cron)
	cfg.RefreshRunOnStart = fc.Refresh.RunOnStart
	cfg.RefreshConcurrency = fc.Refresh.Concurrency
	if cfg.RefreshConcurrency == 0 {
		cfg.RefreshConcurrency = 4
	}
	cfg.RefreshRetryAttempts = 2
	if fc.Refresh.RetryAttempts != nil {
		cfg.RefreshRetryAttempts = *fc.Refresh.RetryAttempts
	}
	cfg.RefreshRetryBaseDelay = parseDuration(fc.Refresh.RetryBaseDelay, 500*time.Millisecond)
	cfg.RefreshRetryMaxDelay = parseDuration(fc.Refresh.RetryMaxDelay, 5*time.Second)
	cfg.RefreshTimeout = parseDuration(fc.Refresh.Timeout, 10*time.Minute)

	cfg.BreakerEnabled = boolOr(fc.CircuitBreaker.Enabled, true)
	cfg.BreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	cfg.KafkaBrokers = fc.Events.Kafka.Brokers
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.KafkaTopic = firstNonEmpty(fc.Events.Kafka.Topic, "city-weather-events")

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.HealthUpstreamWindow = parseDuration(fc.Health.UpstreamWindow, 5*time.Minute)
	cfg.HealthUpstreamErrorPct = fc.Health.UpstreamErrorPct
	if cfg.HealthUpstreamErrorPct <= 0 {
		cfg.HealthUpstreamErrorPct = 50
	}
	cfg.HealthRecoveryInitial = parseDuration(fc.Health.RecoveryInitial, time.Minute)
	cfg.HealthRecoveryMax = parseDuration(fc.Health.RecoveryMax, 20*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAPIKey reads WEATHER_API_KEY, then the legacy OPEN_WEATHER_MAP_API_KEY,
// then config/secrets.yaml. Returns "" when none is set.
func loadAPIKey(cwd string) (string, error) {
	if key := firstNonEmpty(os.Getenv("WEATHER_API_KEY"), os.Getenv("OPEN_WEATHER_MAP_API_KEY")); key != "" {
		return key, nil
	}
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above WeatherAPITimeout rather than rejected.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", cfg.CacheTTL)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	switch cfg.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", cfg.StoreDriver)
	}
	if cfg.RefreshCron == "" && cfg.RefreshInterval <= 0 {
		return fmt.Errorf("refresh.interval must be positive, got %s", cfg.RefreshInterval)
	}
	if cfg.RefreshConcurrency < 1 {
		return fmt.Errorf("refresh.concurrency must be at least 1, got %d", cfg.RefreshConcurrency)
	}
	if cfg.RefreshRetryAttempts < 0 {
		return fmt.Errorf("refresh.retry_attempts must not be negative, got %d", cfg.RefreshRetryAttempts)
	}
	return nil
}

